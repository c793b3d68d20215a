package policy

import "time"

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

type bucket struct {
	touched bool
	count   int
}

// Score is a moving average of events per second over a window of seconds.
// Buckets skipped while idle are cleared lazily on the next Add. Score is
// not safe for concurrent use; Filter serializes access.
type Score struct {
	buckets  []bucket
	start    time.Time
	last     time.Time
	iterator int
	now      Clock
}

// NewScore creates a score over window seconds
func NewScore(window int, now Clock) *Score {
	if window < 1 {
		window = 1
	}
	if now == nil {
		now = time.Now
	}
	s := &Score{
		buckets: make([]bucket, window),
		now:     now,
	}
	for i := range s.buckets {
		s.buckets[i].touched = true
	}
	s.start = now()
	return s
}

func (s *Score) elapsed() int {
	return int(s.now().Sub(s.start) / time.Second)
}

// reset marks every bucket for overwrite and restarts the timer
func (s *Score) reset() {
	for i := range s.buckets {
		s.buckets[i].touched = false
	}
	s.start = s.now()
	s.iterator = 0
}

// Add records n events in the current second
func (s *Score) Add(n int) {
	window := len(s.buckets)
	t := max(s.elapsed(), 0)

	if t >= window {
		s.reset()
		t %= window
	}

	for i := s.iterator; i <= t; i++ {
		if !s.buckets[i].touched {
			s.buckets[i].touched = true
			s.buckets[i].count = 0
		}
	}

	s.buckets[t].count += n
	s.iterator = t
	s.last = s.now()
}

// Score is the bucket total divided by the window, rounded down. A score
// with no events inside the last window reads as zero.
func (s *Score) Score() int {
	if s.now().Sub(s.last) >= time.Duration(len(s.buckets))*time.Second {
		return 0
	}
	total := 0
	for _, b := range s.buckets {
		total += b.count
	}
	return total / len(s.buckets)
}

// Flush zeroes every bucket and restarts the timer
func (s *Score) Flush() {
	s.reset()
	for i := range s.buckets {
		s.buckets[i].count = 0
	}
}

// Window returns the window size in seconds
func (s *Score) Window() int {
	return len(s.buckets)
}
