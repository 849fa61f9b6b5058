package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/eventbus"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/scheduler"
	"github.com/joaohenggeler/wanderer-go/internal/statusserver"
	"github.com/joaohenggeler/wanderer-go/internal/supervisor"
)

// instrumentedJob wraps a scheduler.Job so every tick that processed at
// least one snapshot publishes a best-effort summary event; bus may be
// nil (the bus is disabled), in which case nothing is published.
func instrumentedJob(bus *eventbus.Bus, subject eventbus.Subject, job scheduler.Job) scheduler.Job {
	return func(ctx context.Context, maxIterations int) (int, error) {
		processed, err := job(ctx, maxIterations)
		if bus != nil && processed > 0 {
			bus.Publish(ctx, subject, eventbus.Event{
				Detail:     map[string]any{"processed": processed},
				OccurredAt: time.Now(),
			})
		}
		return processed, err
	}
}

// runServe drives the scout, record, and publish workers continuously on
// their own cron schedules inside one supervision tree (§5); approve and
// compile stay one-shot CLI subcommands and never enter it.
func (a *app) runServe(ctx context.Context) error {
	bus, err := eventbus.Start(eventbus.Config{Enabled: a.cfg.EventBus.Enabled})
	if err != nil {
		return err
	}
	if bus != nil {
		defer bus.Close()
	}

	rec, bridge, err := a.newRecorder()
	if err != nil {
		return err
	}
	defer bridge.Shutdown(context.Background())

	sc := a.newScout()
	pub := a.newPublisher()

	scoutSched, err := scheduler.New(instrumentedJob(bus, eventbus.SubjectScouted, sc.Run), scheduler.Config{
		Name: "scout", CronExpr: a.cfg.Scout.Schedule, TimeZone: a.cfg.Scheduler.TimeZone, MaxIterations: a.cfg.Scout.MaxIterations,
	})
	if err != nil {
		return err
	}
	recordSched, err := scheduler.New(instrumentedJob(bus, eventbus.SubjectRecorded, rec.Run), scheduler.Config{
		Name: "record", CronExpr: a.cfg.Record.Schedule, TimeZone: a.cfg.Scheduler.TimeZone, MaxIterations: a.cfg.Record.MaxIterations,
	})
	if err != nil {
		return err
	}
	publishSched, err := scheduler.New(instrumentedJob(bus, eventbus.SubjectPublished, pub.Run), scheduler.Config{
		Name: "publish", CronExpr: a.cfg.Publish.Schedule, TimeZone: a.cfg.Scheduler.TimeZone, MaxIterations: a.cfg.Publish.BatchSize,
	})
	if err != nil {
		return err
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	tree := supervisor.New(slogger, supervisor.DefaultTreeConfig())
	tree.Add(supervisor.NewWorkerService("scout", scoutSched))
	tree.Add(supervisor.NewWorkerService("record", recordSched))
	tree.Add(supervisor.NewWorkerService("publish", publishSched))

	if a.cfg.Server.Enabled {
		srv := statusserver.New(a.cfg.Server.ListenAddress, a.db, a.gate)
		tree.Add(srv)
	}

	logging.Info().Msg("wanderer serve starting")
	err = tree.Serve(ctx)
	logging.Info().Msg("wanderer serve stopped")
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
