package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	counterPrefix = "audit:count:"

	hourLayout = "2006010215"
	dayLayout  = "20060102"

	// HourCounterTTL keeps hourly buckets long enough for a full day of
	// dashboards. DayCounterTTL covers the weekly view.
	HourCounterTTL = 25 * time.Hour
	DayCounterTTL  = 8 * 24 * time.Hour
)

// Timeframe selects the window Stats aggregates over.
type Timeframe string

const (
	TimeframeHour Timeframe = "hour"
	TimeframeDay  Timeframe = "day"
	TimeframeWeek Timeframe = "week"
)

// ParseTimeframe validates s, defaulting to a day.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case "":
		return TimeframeDay, nil
	case TimeframeHour, TimeframeDay, TimeframeWeek:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("audit: unknown timeframe %q", s)
}

// Stats is an aggregate of event counts.
type Stats struct {
	Timeframe  Timeframe           `json:"timeframe"`
	Total      int64               `json:"total"`
	ByType     map[EventType]int64 `json:"by_type"`
	BySeverity map[Severity]int64  `json:"by_severity"`
}

// Counters maintains rolling per-type and per-severity counts in Redis.
type Counters struct {
	client *redis.Client
}

// NewCounters creates Counters backed by client.
func NewCounters(client *redis.Client) *Counters {
	return &Counters{client: client}
}

func typeKey(t EventType, bucket string) string {
	return counterPrefix + "type:" + string(t) + ":" + bucket
}

func severityKey(s Severity, bucket string) string {
	return counterPrefix + "sev:" + string(s) + ":" + bucket
}

func hourBucket(t time.Time) string { return "h:" + t.UTC().Format(hourLayout) }
func dayBucket(t time.Time) string  { return "d:" + t.UTC().Format(dayLayout) }

// Increment bumps the hour and day buckets for ev's type and severity.
func (c *Counters) Increment(ctx context.Context, ev Event) error {
	hour, day := hourBucket(ev.CreatedAt), dayBucket(ev.CreatedAt)
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range []string{typeKey(ev.Type, hour), severityKey(ev.Severity, hour)} {
			pipe.Incr(ctx, k)
			pipe.Expire(ctx, k, HourCounterTTL)
		}
		for _, k := range []string{typeKey(ev.Type, day), severityKey(ev.Severity, day)} {
			pipe.Incr(ctx, k)
			pipe.Expire(ctx, k, DayCounterTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("audit: increment counters: %w", err)
	}
	return nil
}

// HourCount returns the count for t in the hour containing at.
func (c *Counters) HourCount(ctx context.Context, t EventType, at time.Time) (int64, error) {
	n, err := c.client.Get(ctx, typeKey(t, hourBucket(at))).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// buckets returns the bucket suffixes a timeframe covers, ending at now.
func buckets(tf Timeframe, now time.Time) []string {
	switch tf {
	case TimeframeHour:
		return []string{hourBucket(now)}
	case TimeframeWeek:
		out := make([]string, 0, 7)
		for i := 0; i < 7; i++ {
			out = append(out, dayBucket(now.AddDate(0, 0, -i)))
		}
		return out
	default:
		return []string{dayBucket(now)}
	}
}

// Stats sums the buckets covering tf.
func (c *Counters) Stats(ctx context.Context, tf Timeframe, now time.Time) (Stats, error) {
	bs := buckets(tf, now)
	st := Stats{
		Timeframe:  tf,
		ByType:     make(map[EventType]int64, len(EventTypes)),
		BySeverity: make(map[Severity]int64, len(Severities)),
	}

	typeKeys := make([]string, 0, len(EventTypes)*len(bs))
	for _, t := range EventTypes {
		for _, b := range bs {
			typeKeys = append(typeKeys, typeKey(t, b))
		}
	}
	sevKeys := make([]string, 0, len(Severities)*len(bs))
	for _, s := range Severities {
		for _, b := range bs {
			sevKeys = append(sevKeys, severityKey(s, b))
		}
	}

	typeVals, err := c.client.MGet(ctx, typeKeys...).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("audit: stats by type: %w", err)
	}
	sevVals, err := c.client.MGet(ctx, sevKeys...).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("audit: stats by severity: %w", err)
	}

	for i, t := range EventTypes {
		if n := sumValues(typeVals[i*len(bs) : (i+1)*len(bs)]); n > 0 {
			st.ByType[t] = n
			st.Total += n
		}
	}
	for i, s := range Severities {
		if n := sumValues(sevVals[i*len(bs) : (i+1)*len(bs)]); n > 0 {
			st.BySeverity[s] = n
		}
	}
	return st, nil
}

func sumValues(vals []any) int64 {
	var total int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			total += n
		}
	}
	return total
}

// MarkAlerted sets a one-hour dedup key for an alert on t. It returns false if
// an alert was already raised this hour.
func (c *Counters) MarkAlerted(ctx context.Context, t EventType, at time.Time) (bool, error) {
	key := "audit:alerted:" + string(t) + ":" + at.UTC().Format(hourLayout)
	return c.client.SetNX(ctx, key, 1, time.Hour).Result()
}
