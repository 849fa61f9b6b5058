// Command wanderer runs the archive-crawling pipeline: a long-running
// "serve" mode that drives the scout, record, and publish workers on
// their own cron schedules under a supervision tree, plus a set of
// one-shot operator subcommands (enqueue, save, delete, stats, graph,
// approve, compile) that share the same configuration and store.
//
// Every subcommand loads config.Load(), initializes internal/logging,
// and opens the shared internal/store.DB before doing its own work, the
// same bootstrap sequence the original tool's per-script argparse
// entrypoints each repeated.
package main
