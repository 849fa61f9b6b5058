// Package cli implements the pipeline's one-shot operator subcommands:
// enqueue, save, delete, stats, and graph. Each is grounded on the
// matching standalone script of the original tool (enqueue.py, save.py,
// delete.py, stats.py, graph.py) and reduced to a plain function the
// cmd/wanderer entrypoint dispatches into, writing its report to an
// io.Writer rather than directly to os.Stdout so it can be tested.
package cli
