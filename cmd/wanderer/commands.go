package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/approver"
	"github.com/joaohenggeler/wanderer-go/internal/compiler"
	"github.com/joaohenggeler/wanderer-go/internal/proxybridge"
	"github.com/joaohenggeler/wanderer-go/internal/publisher"
	"github.com/joaohenggeler/wanderer-go/internal/recorder"
	"github.com/joaohenggeler/wanderer-go/internal/scout"
)

func (a *app) newScout() *scout.Scout {
	return scout.New(a.db, a.sel, a.archive, a.cfg.Scout, a.cfg.Vocabulary, unsupportedRenderer{}, nil, nil)
}

func (a *app) runScout(ctx context.Context, args []string) error {
	sc := a.newScout()
	processed, err := sc.Run(ctx, parseIterations(args, a.cfg.Scout.MaxIterations))
	if err != nil {
		return err
	}
	fmt.Printf("Scouted %d snapshot(s).\n", processed)
	return nil
}

func (a *app) newRecorder() (*recorder.Recorder, *proxybridge.Bridge, error) {
	bridge, err := proxybridge.Start(a.cfg.Proxy)
	if err != nil {
		return nil, nil, fmt.Errorf("starting proxy bridge: %w", err)
	}

	var narrator recorder.Narrator
	var mixer recorder.AudioMixer
	if a.cfg.Record.EnableNarration {
		narrator = unsupportedNarrator{}
	}
	if a.cfg.Record.EnableAudioMix {
		mixer = unsupportedAudioMixer{}
	}

	timeout := time.Duration(a.cfg.Record.PageLoadTimeout * float64(time.Second))
	rec := recorder.New(a.db, a.sel, a.archive, bridge, a.cfg.Record,
		unsupportedBrowser{}, unsupportedCapturer{}, unsupportedMediaDownloader{}, unsupportedMediaProbe{}, unsupportedMediaPageBuilder{},
		unsupportedRecordTranscoder{}, unsupportedAudioDetector{}, narrator, mixer, unsupportedPluginKiller{}, newHTTPURLChecker(timeout))
	return rec, bridge, nil
}

func (a *app) runRecord(ctx context.Context, args []string) error {
	rec, bridge, err := a.newRecorder()
	if err != nil {
		return err
	}
	defer bridge.Shutdown(context.Background())

	processed, err := rec.Run(ctx, parseIterations(args, a.cfg.Record.MaxIterations))
	if err != nil {
		return err
	}
	fmt.Printf("Recorded %d snapshot(s).\n", processed)
	return nil
}

func (a *app) runApprove(ctx context.Context, args []string) error {
	if !a.cfg.Approve.RequireApproval {
		return fmt.Errorf("approve: the \"require_approval\" option is not enabled")
	}

	// unboundedRecordings stands in for the original script's "-1 means
	// all" default: Approver.Run treats its argument as a literal cap, so
	// omitting a count here has to mean "large enough to drain every
	// pending recording" rather than a negative sentinel.
	const unboundedRecordings = 1 << 30
	maxRecordings := unboundedRecordings
	playTTS := false
	for _, arg := range args {
		switch {
		case arg == "-tts":
			playTTS = true
		default:
			if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
				maxRecordings = n
			}
		}
	}

	rev := approver.New(a.db, a.sel, a.cfg.Approve, osOpenPlayer{}, newTerminalPrompter(os.Stdin), playTTS)
	processed, err := rev.Run(ctx, maxRecordings)
	if err != nil {
		return err
	}
	fmt.Printf("Reviewed %d recording(s).\n", processed)
	return nil
}

func (a *app) newPublisher() *publisher.Publisher {
	targets := make([]publisher.Target, 0, len(a.cfg.Publish.Targets))
	for _, t := range a.cfg.Publish.Targets {
		if !t.Enabled {
			continue
		}
		targets = append(targets, &noopTarget{name: t.Name})
	}
	return publisher.New(a.db, a.sel, a.archive, a.cfg.Publish, a.cfg.Approve.RequireApproval, targets,
		unsupportedPublishTranscoder{}, unsupportedSegmenter{}, unsupportedProber{})
}

func (a *app) runPublish(ctx context.Context, args []string) error {
	pub := a.newPublisher()
	processed, err := pub.Run(ctx, parseIterations(args, a.cfg.Publish.BatchSize))
	if err != nil {
		return err
	}
	fmt.Printf("Published %d snapshot(s).\n", processed)
	return nil
}

func (a *app) newCompiler() *compiler.Compiler {
	return compiler.New(a.db, a.cfg.Store.CompilationsPath, a.cfg.Compile,
		unsupportedCompilerProber{}, unsupportedTransition{}, unsupportedRemuxer{}, unsupportedMuxer{})
}

func (a *app) runCompile(ctx context.Context, args []string) error {
	params := compiler.Params{IDKind: compiler.IDKindSnapshot}
	i := 0
	for i < len(args) {
		switch args[i] {
		case "-window":
			if i+2 >= len(args) {
				return fmt.Errorf("compile -window: expected a begin and end date")
			}
			params.Window = &compiler.DateWindow{Begin: args[i+1], End: args[i+2]}
			i += 3
		case "-ids":
			if i+2 >= len(args) {
				return fmt.Errorf("compile -ids: expected an id type and a comma-separated id list")
			}
			switch args[i+1] {
			case "recording":
				params.IDKind = compiler.IDKindRecording
			case "snapshot":
				params.IDKind = compiler.IDKindSnapshot
			default:
				return fmt.Errorf("compile -ids: unknown id type %q", args[i+1])
			}
			ids, err := parseIDList(args[i+2])
			if err != nil {
				return err
			}
			params.IDs = ids
			i += 3
		case "-narration":
			params.UseNarration = true
			i++
		default:
			return fmt.Errorf("compile: unknown argument %q", args[i])
		}
	}

	result, err := a.newCompiler().Compile(ctx, params)
	if err != nil {
		return err
	}
	fmt.Printf("Compiled %d of %d recording(s) into %s.\n", result.NumFound, result.TotalRecordings, result.CompilationPath)
	return nil
}

func parseIDList(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("compile -ids: invalid id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
