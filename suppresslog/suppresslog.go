// Package suppresslog throttles repeated log records about the same
// recurring condition — the relay core's canonical use is "no route to
// site X" — so a site outage doesn't flood the log once per send attempt.
package suppresslog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level mirrors the handful of levels the relay core logs suppressed
// records at.
type Level int

const (
	Info Level = iota
	Warn
	Error
)

type entry struct {
	lastLogged time.Time
}

// Log deduplicates identical error events by key within a sliding window.
// The zero value is not usable; construct with New.
type Log struct {
	logger *zap.Logger
	mu     sync.Mutex
	cache  map[string]*entry
}

func New(logger *zap.Logger) *Log {
	return &Log{logger: logger, cache: map[string]*entry{}}
}

// Size reports the number of distinct keys currently tracked. The relay
// core's NumberOfNoRouteErrors is a separate counter, not this value.
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}

// Clear empties the suppression cache, surfaced as ClearNoRouteCache.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = map[string]*entry{}
}

// Log emits at most one record per key per window. now is injected to keep
// the decision testable without sleeping.
func (l *Log) Log(level Level, key string, window time.Duration, now time.Time, msg string, fields ...zap.Field) {
	l.mu.Lock()
	e, ok := l.cache[key]
	if !ok {
		e = &entry{}
		l.cache[key] = e
	}
	suppressed := ok && window > 0 && now.Sub(e.lastLogged) < window
	if !suppressed {
		e.lastLogged = now
	}
	l.mu.Unlock()

	if suppressed {
		return
	}
	switch level {
	case Warn:
		l.logger.Warn(msg, fields...)
	case Error:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}

// RemoveExpired evicts cache entries whose window has fully elapsed, so a
// long-lived process doesn't accumulate one entry per site ever seen.
func (l *Log) RemoveExpired(window time.Duration, now time.Time) {
	if window <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.cache {
		if now.Sub(e.lastLogged) >= window {
			delete(l.cache, key)
		}
	}
}
