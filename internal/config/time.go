package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultExclusionPollInterval = 10 * time.Second
	defaultFetchTimeout          = 30 * time.Second
	defaultLeaseTTL              = 45 * time.Second
	defaultMaxListBytes          = 10 << 20
	defaultBuildConcurrency      = 8
)

var (
	exclusionPollInterval  atomic.Value
	exclusionPollListeners []chan time.Duration
	listenersMu            sync.Mutex
)

func init() {
	exclusionPollInterval.Store(defaultExclusionPollInterval)
}

func SetBetweenTime() {
	cfg := GetConfig()
	setExclusionPollInterval(timerOrDefault(cfg.ExclusionLists.PollTimer, defaultExclusionPollInterval))
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
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

func timerOrDefault(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func GetExclusionPollInterval() time.Duration {
	return exclusionPollInterval.Load().(time.Duration)
}

// ExclusionPollIntervalUpdates returns a channel that receives the current
// poll interval and every later change.
func ExclusionPollIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	exclusionPollListeners = append(exclusionPollListeners, ch)
	listenersMu.Unlock()

	ch <- GetExclusionPollInterval()
	return ch
}

func setExclusionPollInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultExclusionPollInterval
	}

	if GetExclusionPollInterval() == interval {
		return
	}
	exclusionPollInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range exclusionPollListeners {
		// a listener that has not consumed the previous value gets the newest one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- interval:
		default:
		}
	}
}

func GetFetchTimeout() time.Duration {
	return timerOrDefault(GetConfig().ExclusionLists.FetchTimeout, defaultFetchTimeout)
}

func GetLeaseTTL() time.Duration {
	return timerOrDefault(GetConfig().Leadership.LeaseTimer, defaultLeaseTTL)
}

func GetMaxListBytes() int {
	if n := GetConfig().ExclusionLists.MaxListBytes; n > 0 {
		return n
	}
	return defaultMaxListBytes
}

func GetBuildConcurrency() int {
	if n := GetConfig().ExclusionLists.BuildConcurrency; n > 0 {
		return n
	}
	return defaultBuildConcurrency
}
