package supervisor

import (
	"context"
)

// StartStopper matches internal/scheduler.Scheduler's lifecycle:
// Start begins the cron loop in its own goroutine and returns immediately;
// Stop signals it to exit and blocks until it has.
type StartStopper interface {
	Start(ctx context.Context)
	Stop()
}

// WorkerService adapts a StartStopper (a scheduler.Scheduler driving one
// standing worker) to suture.Service's Serve(ctx) error pattern.
//
// This is the same adapter shape as the teacher's StartStopManager ->
// suture.Service wrapper, generalized from an error-returning Start/Stop
// pair to the scheduler's fire-and-forget one, since a scheduler tick
// failure is already handled (logged, iteration skipped) inside the
// scheduler itself and never needs to propagate up to suture.
type WorkerService struct {
	worker StartStopper
	name   string
}

// NewWorkerService wraps worker (typically a *scheduler.Scheduler) as a
// supervised service identified by name (e.g. "scout", "record", "publish").
func NewWorkerService(name string, worker StartStopper) *WorkerService {
	return &WorkerService{worker: worker, name: name}
}

// Serve implements suture.Service: start the scheduler, block until the
// context is canceled, then stop it and wait for its loop to exit.
func (s *WorkerService) Serve(ctx context.Context) error {
	s.worker.Start(ctx)
	<-ctx.Done()
	s.worker.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer; suture uses it to identify the service
// in log messages and the unstopped-service report.
func (s *WorkerService) String() string {
	return s.name
}
