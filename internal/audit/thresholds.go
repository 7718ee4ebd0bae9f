package audit

import (
	"context"
	"log"
	"time"
)

// Hourly alert thresholds.
const (
	AuthFailureThreshold         = 20
	UnauthorizedAccessThreshold  = 10
	PrivilegeEscalationThreshold = 5
	RateLimitedThreshold         = 200
	EnumerationThreshold         = 3
)

// DefaultThresholds returns the per-type hourly alert thresholds.
// EventSuspiciousActivity has no threshold.
func DefaultThresholds() map[EventType]int64 {
	return map[EventType]int64{
		EventAuthFailure:         AuthFailureThreshold,
		EventUnauthorizedAccess:  UnauthorizedAccessThreshold,
		EventPrivilegeEscalation: PrivilegeEscalationThreshold,
		EventRateLimited:         RateLimitedThreshold,
		EventEnumeration:         EnumerationThreshold,
	}
}

// SetThreshold overrides the hourly threshold for t. A value <= 0 disables it.
// It must be called before the log is shared.
func (l *Log) SetThreshold(t EventType, n int64) {
	if t == EventSuspiciousActivity {
		return
	}
	if n <= 0 {
		delete(l.thresholds, t)
		return
	}
	l.thresholds[t] = n
}

// CheckThresholds compares the current hour's counts with the thresholds and
// records one critical suspicious_activity event per exceeded type per hour.
// It returns the ids of the alerts it raised.
func (l *Log) CheckThresholds(ctx context.Context) ([]string, error) {
	if l.counters == nil {
		return nil, ErrNoCounters
	}
	now := l.now()

	var alerts []string
	for _, t := range EventTypes {
		limit, ok := l.thresholds[t]
		if !ok {
			continue
		}
		count, err := l.counters.HourCount(ctx, t, now)
		if err != nil {
			return alerts, err
		}
		if count < limit {
			continue
		}
		first, err := l.counters.MarkAlerted(ctx, t, now)
		if err != nil {
			return alerts, err
		}
		if !first {
			continue
		}
		log.Printf("[audit] threshold exceeded type=%s count=%d threshold=%d", t, count, limit)
		id := l.Record(ctx, Event{
			Type:     EventSuspiciousActivity,
			Severity: SeverityCritical,
			Metadata: map[string]any{
				"trigger":   string(t),
				"count":     count,
				"threshold": limit,
				"window":    "1h",
			},
		})
		alerts = append(alerts, id)
	}
	return alerts, nil
}

// RunThresholds calls CheckThresholds every interval until ctx is done.
func (l *Log) RunThresholds(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultThresholdInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.CheckThresholds(ctx); err != nil {
				log.Printf("[audit] threshold check failed: %v", err)
			}
		}
	}
}
