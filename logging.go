package dmcrypt

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimitedLogger wraps a *logrus.Entry with a per-sector-key token
// bucket, grounded on kenchrcum-s3-encryption-gateway's
// logrus.WithFields-based request logger generalized from "one log line
// per request" to "one log line per distinct failing sector per window" —
// so a corrupted run of sectors doesn't flood the log.
type RateLimitedLogger struct {
	entry  *logrus.Entry
	window time.Duration

	mu   sync.Mutex
	seen map[uint64]time.Time
}

// NewRateLimitedLogger builds a logger scoped to one mapping, carrying its
// UUID and device path as structured fields the way the teacher's
// middleware carries request ID and method.
func NewRateLimitedLogger(log *logrus.Logger, mappingID, devicePath string, window time.Duration) *RateLimitedLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimitedLogger{
		entry: log.WithFields(logrus.Fields{
			"mapping_id":  mappingID,
			"device_path": devicePath,
		}),
		window: window,
		seen:   make(map[uint64]time.Time),
	}
}

// IntegrityFailure logs a PROTECTION-class failure for sector, at most
// once per window per sector.
func (l *RateLimitedLogger) IntegrityFailure(sector uint64, err error) {
	if !l.allow(sector) {
		return
	}
	l.entry.WithFields(logrus.Fields{
		"sector": sector,
		"error":  err,
	}).Warn("integrity tag verification failed")
}

// KeyWipe logs that key material was zeroised, always (wipes are rare
// enough that no rate limiting is needed).
func (l *RateLimitedLogger) KeyWipe() {
	l.entry.Info("key material wiped")
}

// Suspend/Resume log mapping lifecycle transitions for operational audit.
func (l *RateLimitedLogger) Suspend() { l.entry.Info("mapping suspended") }
func (l *RateLimitedLogger) Resume()  { l.entry.Info("mapping resumed") }

func (l *RateLimitedLogger) allow(sector uint64) bool {
	now := timeNow()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.seen[sector]; ok && now.Sub(last) < l.window {
		return false
	}
	l.seen[sector] = now
	if len(l.seen) > 4096 {
		l.evictLocked(now)
	}
	return true
}

// evictLocked drops stale entries so the bucket map doesn't grow unbounded
// across a long-running mapping with many distinct failing sectors.
func (l *RateLimitedLogger) evictLocked(now time.Time) {
	for s, t := range l.seen {
		if now.Sub(t) >= l.window {
			delete(l.seen, s)
		}
	}
}

// timeNow is the single indirection point for the logger's clock, kept
// separate so tests can substitute a fake clock without reaching into the
// rate-limit bucket internals.
var timeNow = time.Now
