package config

import (
	"sync"
	"time"
)

const (
	defaultCleanupInterval = time.Hour
	defaultDrainInterval   = 5 * time.Second
	defaultJobTimeout      = 5 * time.Minute
)

// intervalSetting holds a derived duration and fans changes out to listeners.
type intervalSetting struct {
	mu        sync.Mutex
	value     time.Duration
	fallback  time.Duration
	listeners []chan time.Duration
}

var (
	cleanupInterval = &intervalSetting{fallback: defaultCleanupInterval}
	drainInterval   = &intervalSetting{fallback: defaultDrainInterval}
	jobTimeout      = &intervalSetting{fallback: defaultJobTimeout}
)

func (s *intervalSetting) get() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value <= 0 {
		return s.fallback
	}
	return s.value
}

func (s *intervalSetting) set(interval time.Duration) {
	if interval <= 0 {
		interval = s.fallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value == interval {
		return
	}
	s.value = interval

	for _, ch := range s.listeners {
		select {
		case ch <- interval:
		default:
			// listener has not consumed the previous value; replace it
			select {
			case <-ch:
			default:
			}
			ch <- interval
		}
	}
}

func (s *intervalSetting) subscribe() <-chan time.Duration {
	ch := make(chan time.Duration, 1)

	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	current := s.value
	if current <= 0 {
		current = s.fallback
	}
	s.mu.Unlock()

	ch <- current
	return ch
}

// SetBetweenTime recomputes every derived interval from the current config.
func SetBetweenTime() {
	cfg := GetConfig()
	cleanupInterval.set(calculateOrFallback(cfg.Security.CleanupTimer, defaultCleanupInterval))
	drainInterval.set(calculateOrFallback(cfg.Queue.DrainTimer, defaultDrainInterval))
	jobTimeout.set(calculateOrFallback(cfg.Queue.JobTimeout, defaultJobTimeout))
}

func calculateOrFallback(timer Timer, fallback time.Duration) time.Duration {
	if CalculateMillisecondsOfCheckingPeriod(timer) == 0 {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

// CalculateBetweenTime converts a timer into a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func GetCleanupInterval() time.Duration {
	return cleanupInterval.get()
}

// CleanupIntervalUpdates delivers the current interval immediately, then every change.
func CleanupIntervalUpdates() <-chan time.Duration {
	return cleanupInterval.subscribe()
}

func GetDrainInterval() time.Duration {
	return drainInterval.get()
}

func DrainIntervalUpdates() <-chan time.Duration {
	return drainInterval.subscribe()
}

func GetJobTimeout() time.Duration {
	return jobTimeout.get()
}
