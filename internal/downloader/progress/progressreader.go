package progress

import (
	"io"
	"math"
	"time"
)

// DefaultWindow is the number of throughput samples averaged into the reported speed.
const DefaultWindow = 5

// Sample is one throughput observation.
type Sample struct {
	Written int64   // bytes on disk, including the resume offset
	Total   int64   // 0 when the server did not announce a size
	Speed   float64 // rolling average, bytes/sec
	ETA     int64   // seconds, -1 when unknown
}

// Percent returns Written/Total as 0-100, or 0 when Total is unknown.
func (s Sample) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}

	return math.Min(float64(s.Written)*100/float64(s.Total), 100)
}

// ProgressReader wraps an io.Reader and reports throughput samples via a
// callback at most once per interval.
type ProgressReader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(Sample)

	totalRead int64 // cumulative, starts at the resume offset
	interval  time.Duration
	window    *Window
	lastAt    time.Time
	lastBytes int64
	now       func() time.Time
}

func NewReader(r io.Reader, offset, total int64, interval time.Duration, cb func(Sample)) *ProgressReader {
	pr := &ProgressReader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		totalRead:  offset,
		interval:   interval,
		window:     NewWindow(DefaultWindow),
		lastBytes:  offset,
		now:        time.Now,
	}
	pr.lastAt = pr.now()

	return pr
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)

		now := pr.now()
		if elapsed := now.Sub(pr.lastAt); elapsed >= pr.interval {
			pr.window.Add(float64(pr.totalRead-pr.lastBytes) / elapsed.Seconds())
			pr.lastAt = now
			pr.lastBytes = pr.totalRead

			if pr.OnProgress != nil {
				pr.OnProgress(pr.Sample())
			}
		}
	}

	return n, err
}

// Written returns the cumulative byte count including the resume offset.
func (pr *ProgressReader) Written() int64 {
	return pr.totalRead
}

// Sample returns the current observation without waiting for the interval.
func (pr *ProgressReader) Sample() Sample {
	speed := pr.window.Average()

	return Sample{
		Written: pr.totalRead,
		Total:   pr.Total,
		Speed:   speed,
		ETA:     ETA(pr.Total-pr.totalRead, pr.Total, speed),
	}
}

// ETA returns the seconds needed to transfer remaining bytes at speed, or -1
// when the size is unknown or nothing is flowing.
func ETA(remaining, total int64, speed float64) int64 {
	if total <= 0 || speed <= 0 {
		return -1
	}

	if remaining <= 0 {
		return 0
	}

	return int64(math.Ceil(float64(remaining) / speed))
}

// Window is a fixed-size rolling average.
type Window struct {
	samples []float64
	next    int
	full    bool
}

func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}

	return &Window{samples: make([]float64, size)}
}

func (w *Window) Add(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)

	if w.next == 0 {
		w.full = true
	}
}

func (w *Window) Average() float64 {
	n := w.next
	if w.full {
		n = len(w.samples)
	}

	if n == 0 {
		return 0
	}

	var sum float64
	for _, v := range w.samples[:n] {
		sum += v
	}

	return sum / float64(n)
}
