package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/joaohenggeler/wanderer-go/internal/archiveclient"
)

// Save reads one URL per line from r, asks archive to save each (rate
// gated like any other archive call), and writes a per-line report plus
// a final tally to w. A line that the archive reports as already cached
// counts separately from a freshly-saved one; neither counts as a
// failure. Save stops only on ctx cancellation; an individual line's
// failure is reported and the loop continues, matching the original
// tool's best-effort posture.
func Save(ctx context.Context, archive *archiveclient.Client, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	var total, saved, cached, failed int

	for scanner.Scan() {
		targetURL := strings.TrimSpace(scanner.Text())
		if targetURL == "" {
			continue
		}
		total++

		savedURL, alreadySaved, err := archive.Save(ctx, targetURL)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			return err
		case err != nil:
			failed++
			fmt.Fprintf(w, "- Failed: %s (%v)\n", targetURL, err)
		case alreadySaved:
			cached++
			fmt.Fprintf(w, "- Cached: %s\n", savedURL)
		default:
			saved++
			fmt.Fprintf(w, "- Saved: %s\n", savedURL)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("save: reading input: %w", err)
	}

	fmt.Fprintf(w, "Saved %d, cached %d, and failed to save %d of %d URLs.\n", saved, cached, failed, total)
	return nil
}
