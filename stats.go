package receiver

import (
	"sync"
	"time"

	"github.com/rbaliyan/receiver/listener"
)

// Stats are cumulative processing statistics for one receiver instance.
type Stats struct {
	Processed   int64 // successful pipeline runs
	Duplicates  int64 // redeliveries skipped as duplicates
	Rejected    int64 // deliveries rejected for exceeding a ceiling
	Failures    int64 // failed processing attempts
	MinDuration time.Duration
	MaxDuration time.Duration
	AvgDuration time.Duration
	LastMessage time.Time // when the last attempt finished
}

type receiverStats struct {
	mu         sync.Mutex
	processed  int64
	duplicates int64
	rejected   int64
	failures   int64
	count      int64
	minDur     time.Duration
	maxDur     time.Duration
	totalDur   time.Duration
	last       time.Time
}

func (s *receiverStats) record(result listener.Result, d, waited time.Duration) {
	total := d + waited

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case result.State == listener.ExitRejected:
		s.rejected++
	case result.Duplicate:
		s.duplicates++
	case result.State == listener.ExitSuccess:
		s.processed++
	default:
		s.failures++
	}

	s.count++
	s.totalDur += total
	if s.minDur == 0 || total < s.minDur {
		s.minDur = total
	}
	if total > s.maxDur {
		s.maxDur = total
	}
	s.last = time.Now()
}

func (s *receiverStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Processed:   s.processed,
		Duplicates:  s.duplicates,
		Rejected:    s.rejected,
		Failures:    s.failures,
		MinDuration: s.minDur,
		MaxDuration: s.maxDur,
		LastMessage: s.last,
	}
	if s.count > 0 {
		stats.AvgDuration = s.totalDur / time.Duration(s.count)
	}
	return stats
}
