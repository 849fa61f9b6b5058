package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joaohenggeler/wanderer-go/internal/archiveclient"
	"github.com/joaohenggeler/wanderer-go/internal/cli"
	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/rategate"
	"github.com/joaohenggeler/wanderer-go/internal/registry"
	"github.com/joaohenggeler/wanderer-go/internal/selector"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// app holds everything every subcommand needs, built once from the
// loaded configuration.
type app struct {
	cfg     *config.Config
	db      *store.DB
	gate    *rategate.Gate
	archive *archiveclient.Client
	sel     *selector.Selector
}

// surtHost reverses a dotted hostname into the comma-joined SURT form
// stored as the prefix of every url_key, e.g. "sub.example.com" becomes
// "com,example,sub".
func surtHost(host string) string {
	parts := strings.Split(strings.ToLower(host), ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ",")
}

// buildAllowHost turns a plain list of blocked hostnames into the
// allowHost predicate store.New needs, matched against the SURT host
// prefix of a url_key (the part before its first ')').
func buildAllowHost(blockedHosts []string) func(urlKey string) bool {
	blocked := make(map[string]bool, len(blockedHosts))
	for _, host := range blockedHosts {
		blocked[surtHost(host)] = true
	}
	return func(urlKey string) bool {
		host := urlKey
		if idx := strings.IndexByte(urlKey, ')'); idx >= 0 {
			host = urlKey[:idx]
		}
		return !blocked[host]
	}
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})

	db, err := store.New(&cfg.Store, buildAllowHost(cfg.Scout.BlockedHosts))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	gate := rategate.New(cfg.RateGate)
	archive := archiveclient.New(cfg.Archive, gate)
	sel := selector.New(db, cfg.Selector)

	return &app{cfg: cfg, db: db, gate: gate, archive: archive, sel: sel}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logging.Err(err).Msg("closing store")
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, "wanderer:", err)
		os.Exit(1)
	}
	defer a.Close()

	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = a.runServe(ctx)
	case "scout":
		err = a.runScout(ctx, args)
	case "record":
		err = a.runRecord(ctx, args)
	case "approve":
		err = a.runApprove(ctx, args)
	case "publish":
		err = a.runPublish(ctx, args)
	case "compile":
		err = a.runCompile(ctx, args)
	case "enqueue":
		err = a.runEnqueue(ctx, args)
	case "save":
		err = a.runSave(ctx, args)
	case "delete":
		err = a.runDelete(ctx, args)
	case "stats":
		err = a.runStats(ctx, args)
	case "graph":
		err = a.runGraph(ctx, args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "wanderer:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: wanderer <command> [arguments]

commands:
  serve                                run the scout/record/publish workers continuously
  scout    [max_iterations]            scout up to max_iterations snapshots once
  record   [max_iterations]            record up to max_iterations snapshots once
  approve  [max_recordings] [-tts]     review recorded snapshots one at a time
  publish  [max_iterations]            publish up to max_iterations snapshots once
  compile  (-window begin end | -ids snapshot|recording id,id,...) [-narration]
  enqueue  scout|record|publish url [timestamp]
  save                                 save URLs read from the standard input
  delete   [-unapproved] [-compiled] [-temporary] [-registry]
  stats    [-json]
  graph    -trace id | -next [n] [-no-require-approval]`)
}

func parseIterations(args []string, fallback int) int {
	if len(args) == 0 {
		return fallback
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fallback
	}
	return n
}

func (a *app) runEnqueue(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("enqueue: expected `scout|record|publish url [timestamp]`")
	}
	priorityName := cli.PriorityName(args[0])
	targetURL := args[1]
	timestamp := ""
	if len(args) > 2 {
		timestamp = args[2]
	}
	msg, err := cli.Enqueue(ctx, a.db, a.archive, priorityName, timestamp, targetURL)
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

func (a *app) runSave(ctx context.Context, args []string) error {
	return cli.Save(ctx, a.archive, os.Stdin, os.Stdout)
}

func (a *app) runDelete(ctx context.Context, args []string) error {
	opts := cli.DeleteOptions{}
	for _, arg := range args {
		switch arg {
		case "-unapproved":
			opts.Unapproved = true
		case "-compiled":
			opts.Compiled = true
		case "-temporary":
			opts.Temporary = true
		case "-registry":
			opts.Registry = true
		}
	}
	return cli.Delete(ctx, a.db, a.cfg.Store, a.cfg.CLI, registry.NewMapBackend(), opts, os.Stdout)
}

func (a *app) runStats(ctx context.Context, args []string) error {
	asJSON := false
	for _, arg := range args {
		if arg == "-json" {
			asJSON = true
		}
	}
	return cli.Stats(ctx, a.db, a.gate, asJSON, os.Stdout)
}

func (a *app) runGraph(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("graph: expected `-trace id` or `-next [n]`")
	}
	requireApproval := a.cfg.Approve.RequireApproval
	switch args[0] {
	case "-trace":
		if len(args) < 2 {
			return fmt.Errorf("graph -trace: expected a snapshot id")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("graph -trace: invalid snapshot id %q", args[1])
		}
		return cli.Trace(ctx, a.db, id, os.Stdout)
	case "-next":
		limit := -1
		for _, arg := range args[1:] {
			if arg == "-no-require-approval" {
				requireApproval = false
				continue
			}
			if n, err := strconv.Atoi(arg); err == nil {
				limit = n
			}
		}
		return cli.NextPublish(ctx, a.db, requireApproval, limit, os.Stdout)
	default:
		return fmt.Errorf("graph: unknown argument %q", args[0])
	}
}
