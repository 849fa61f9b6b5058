// See server.go for the Server type and its Serve/String suture.Service
// methods, stats.go for the Stats/CollectStats shared query path also
// used by the `stats` CLI subcommand, and metrics.go for the Prometheus
// instrumentation points workers call into directly.
package statusserver
