package archiveclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
)

// cdxFields is the default CDX row layout this client requests: enough
// columns to build a Capture without pulling the full record.
var cdxFields = []string{"timestamp", "original", "mimetype", "statuscode", "digest", "urlkey"}

// cdxNear queries the CDX endpoint for the capture nearest timestamp,
// restricted to HTTP 200 responses, and returns the first (closest) row.
func (c *Client) cdxNear(ctx context.Context, timestamp, targetURL string) (Capture, error) {
	query := url.Values{
		"url":      {targetURL},
		"filter":   {"statuscode:200"},
		"closest":  {timestamp},
		"sort":     {"closest"},
		"limit":    {"1"},
		"output":   {"json"},
		"fl":       {strings.Join(cdxFields, ",")},
	}
	rows, err := c.queryCDX(ctx, query)
	if err != nil {
		return Capture{}, err
	}
	if len(rows) == 0 {
		return Capture{}, fmt.Errorf("no CDX capture found near %s for %s", timestamp, targetURL)
	}
	return rows[0], nil
}

// cdxOldestByDigest queries the CDX endpoint for every capture of
// targetURL sharing digest and returns the chronologically oldest one.
func (c *Client) cdxOldestByDigest(ctx context.Context, targetURL, digest string) (Capture, error) {
	query := url.Values{
		"url":    {targetURL},
		"filter": {"statuscode:200", "digest:" + digest},
		"sort":   {"ascending"},
		"limit":  {"1"},
		"output": {"json"},
		"fl":     {strings.Join(cdxFields, ",")},
	}
	rows, err := c.queryCDX(ctx, query)
	if err != nil {
		return Capture{}, err
	}
	if len(rows) == 0 {
		return Capture{}, fmt.Errorf("no CDX capture found for digest %s of %s", digest, targetURL)
	}
	return rows[0], nil
}

// queryCDX issues the GET and parses the CDX server's line-oriented JSON
// array-of-arrays response: a header row of field names followed by one
// array per capture.
func (c *Client) queryCDX(ctx context.Context, query url.Values) ([]Capture, error) {
	endpoint := c.cfg.CDXBaseURL + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("cdx query returned status %d", resp.StatusCode)
	}

	var rows [][]string
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding cdx response: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	header := rows[0]
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}

	captures := make([]Capture, 0, len(rows)-1)
	for _, row := range rows[1:] {
		captures = append(captures, Capture{
			Timestamp:  fieldAt(row, index, "timestamp"),
			Original:   fieldAt(row, index, "original"),
			MimeType:   fieldAt(row, index, "mimetype"),
			StatusCode: fieldAt(row, index, "statuscode"),
			Digest:     fieldAt(row, index, "digest"),
			URLKey:     fieldAt(row, index, "urlkey"),
		})
	}
	return captures, nil
}

func fieldAt(row []string, index map[string]int, name string) string {
	i, ok := index[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}
