package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestTreeIntegration exercises the tree with several standing-worker
// services at once, simulating a real scout/record/publish deployment.
func TestTreeIntegration(t *testing.T) {
	t.Run("full tree with all standing workers", func(t *testing.T) {
		tree := New(testLogger(), TreeConfig{
			FailureThreshold: 5,
			FailureBackoff:   50 * time.Millisecond,
			ShutdownTimeout:  500 * time.Millisecond,
		})

		scoutSvc := NewMockService("scout")
		recordSvc := NewMockService("record")
		publishSvc := NewMockService("publish")

		tree.Add(scoutSvc)
		tree.Add(recordSvc)
		tree.Add(publishSvc)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		errCh := tree.ServeBackground(ctx)

		var allStarted bool
		for i := 0; i < 10; i++ {
			time.Sleep(20 * time.Millisecond)
			if scoutSvc.StartCount() >= 1 && recordSvc.StartCount() >= 1 && publishSvc.StartCount() >= 1 {
				allStarted = true
				break
			}
		}
		if !allStarted {
			if scoutSvc.StartCount() < 1 {
				t.Error("scout service was not started")
			}
			if recordSvc.StartCount() < 1 {
				t.Error("record service was not started")
			}
			if publishSvc.StartCount() < 1 {
				t.Error("publish service was not started")
			}
		}

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("tree did not shut down")
		}
	})

	t.Run("a crash-looping worker doesn't stall its siblings", func(t *testing.T) {
		tree := New(testLogger(), TreeConfig{
			FailureThreshold: 10,
			FailureBackoff:   10 * time.Millisecond,
			ShutdownTimeout:  500 * time.Millisecond,
		})

		failingSvc := NewMockService("scout")
		failingSvc.SetFailCount(3)

		stableRecord := NewMockService("record")
		stablePublish := NewMockService("publish")

		tree.Add(failingSvc)
		tree.Add(stableRecord)
		tree.Add(stablePublish)

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		errCh := tree.ServeBackground(ctx)

		time.Sleep(150 * time.Millisecond)

		if failingSvc.StartCount() < 3 {
			t.Errorf("failing service should have been restarted at least 3 times, got %d", failingSvc.StartCount())
		}
		if stableRecord.StartCount() < 1 {
			t.Error("record service should have started")
		}
		if stablePublish.StartCount() < 1 {
			t.Error("publish service should have started")
		}

		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("tree did not shut down")
		}
	})
}

// TestTreeConcurrency exercises concurrent Add calls on the tree.
func TestTreeConcurrency(t *testing.T) {
	t.Run("concurrent service additions are safe", func(t *testing.T) {
		tree := New(testLogger(), TreeConfig{ShutdownTimeout: 500 * time.Millisecond})

		done := make(chan struct{})
		for i := 0; i < 10; i++ {
			go func(idx int) {
				tree.Add(NewMockService("concurrent-svc"))
			}(i)
		}

		time.Sleep(100 * time.Millisecond)
		close(done)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		errCh := tree.ServeBackground(ctx)

		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("tree did not shut down")
		}
	})
}

// TestTreeEdgeCases tests edge cases and error conditions.
func TestTreeEdgeCases(t *testing.T) {
	t.Run("empty tree starts and stops gracefully", func(t *testing.T) {
		tree := New(testLogger(), TreeConfig{ShutdownTimeout: 500 * time.Millisecond})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		errCh := tree.ServeBackground(ctx)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(500 * time.Millisecond):
			t.Error("tree did not shut down")
		}
	})
}
