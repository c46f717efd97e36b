package confidence

import (
	"math"
	"sync"
)

// CalibrationTracker keeps a rolling window of (predicted confidence,
// observed correctness) pairs and reports their mean absolute error.
type CalibrationTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	sum     float64
}

// NewCalibrationTracker creates a tracker over the last size observations.
func NewCalibrationTracker(size int) *CalibrationTracker {
	if size <= 0 {
		size = 200
	}
	return &CalibrationTracker{samples: make([]float64, size)}
}

// Record adds one observation.
func (c *CalibrationTracker) Record(predicted float64, correct bool) {
	observed := 0.0
	if correct {
		observed = 1
	}
	errAbs := math.Abs(Clamp(predicted) - observed)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		c.sum -= c.samples[c.next]
	}
	c.samples[c.next] = errAbs
	c.sum += errAbs
	c.next++
	if c.next == len(c.samples) {
		c.next = 0
		c.full = true
	}
}

// Len returns the number of observations in the window.
func (c *CalibrationTracker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lenLocked()
}

func (c *CalibrationTracker) lenLocked() int {
	if c.full {
		return len(c.samples)
	}
	return c.next
}

// Error returns the mean absolute error. ok is false until a quarter of the
// window has been observed.
func (c *CalibrationTracker) Error() (mae float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lenLocked()
	if n == 0 || n < len(c.samples)/4 {
		return 0, false
	}
	return c.sum / float64(n), true
}
