package rategate

import (
	"sync"
	"time"
)

// movingWindow is a circular-bucket moving-window hit counter: time is
// divided into numBuckets slices of windowSize/numBuckets each, and count
// sums whichever buckets still fall inside the trailing window. A expired
// bucket is zeroed lazily, the next time it is touched, rather than on a
// timer.
type movingWindow struct {
	mu         sync.Mutex
	buckets    []int64
	bucketSize time.Duration
	windowSize time.Duration
	numBuckets int
	current    int
	lastUpdate time.Time
}

func newMovingWindow(windowSize time.Duration, numBuckets int) *movingWindow {
	if numBuckets <= 0 {
		numBuckets = 10
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &movingWindow{
		buckets:    make([]int64, numBuckets),
		bucketSize: windowSize / time.Duration(numBuckets),
		windowSize: windowSize,
		numBuckets: numBuckets,
		lastUpdate: time.Now(),
	}
}

// hit records one use and reports whether the window had room for it
// under limit — the moving-window analogue of the original's
// MovingWindowRateLimiter.hit(item).
func (w *movingWindow) hit(limit int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.advance()

	var total int64
	for _, c := range w.buckets {
		total += c
	}
	if total >= limit {
		return false
	}
	w.buckets[w.current]++
	return true
}

// count returns the current total without recording a hit.
func (w *movingWindow) count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.advance()

	var total int64
	for _, c := range w.buckets {
		total += c
	}
	return total
}

// advance must be called with the lock held.
func (w *movingWindow) advance() {
	now := time.Now()
	elapsed := now.Sub(w.lastUpdate)
	bucketsElapsed := int(elapsed / w.bucketSize)
	if bucketsElapsed <= 0 {
		return
	}

	if bucketsElapsed >= w.numBuckets {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
		w.current = 0
	} else {
		for i := 0; i < bucketsElapsed; i++ {
			w.current = (w.current + 1) % w.numBuckets
			w.buckets[w.current] = 0
		}
	}

	w.lastUpdate = now
}
