package ui

import "strings"

// sparkChars are eight bar heights, lowest first.
var sparkChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline keeps the last width samples of a series and renders them as
// block characters scaled to the largest sample in the window.
type Sparkline struct {
	samples []float64
	head    int
	count   int
}

// NewSparkline creates a sparkline holding width samples.
func NewSparkline(width int) *Sparkline {
	if width <= 0 {
		width = 60
	}
	return &Sparkline{samples: make([]float64, width)}
}

// Add records a sample, evicting the oldest once full.
func (s *Sparkline) Add(v float64) {
	s.samples[s.head] = v
	s.head = (s.head + 1) % len(s.samples)
	s.count++
}

// Len returns how many samples are held.
func (s *Sparkline) Len() int {
	return min(s.count, len(s.samples))
}

// Values returns the held samples, oldest first.
func (s *Sparkline) Values() []float64 {
	n := s.Len()
	out := make([]float64, 0, n)
	start := 0
	if s.count >= len(s.samples) {
		start = s.head
	}
	for i := 0; i < n; i++ {
		out = append(out, s.samples[(start+i)%len(s.samples)])
	}
	return out
}

// Render draws the most recent width samples, right-aligned and padded
// with spaces on the left.
func (s *Sparkline) Render(width int) string {
	values := s.Values()
	if width <= 0 {
		width = len(s.samples)
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}

	peak := 0.0
	for _, v := range values {
		peak = max(peak, v)
	}

	var sb strings.Builder
	sb.Grow(width * 3)
	sb.WriteString(strings.Repeat(" ", width-len(values)))
	for _, v := range values {
		idx := 0
		if peak > 0 && v > 0 {
			idx = int(v / peak * float64(len(sparkChars)-1))
			idx = max(0, min(idx, len(sparkChars)-1))
		}
		sb.WriteRune(sparkChars[idx])
	}
	return sb.String()
}
