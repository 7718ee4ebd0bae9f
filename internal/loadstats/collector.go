// Package loadstats aggregates client-side measurements from the load tool
// and, optionally, server-side Prometheus metrics scraped during a run.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates measurements from many clients. All methods are safe
// for concurrent use.
type Collector struct {
	mu          sync.Mutex
	connect     []time.Duration
	auth        []time.Duration
	delivery    []time.Duration
	connections int
	errors      int
	sent        int
	rejected    map[string]int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector starts the clock now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), rejected: make(map[string]int)}
}

// SetScraper includes server-side metrics in Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records one authenticated connection.
func (c *Collector) AddConnect(connect, auth time.Duration) {
	c.mu.Lock()
	c.connect = append(c.connect, connect)
	c.auth = append(c.auth, auth)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one send_message.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records the time from send to message_new at a receiver.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.delivery = append(c.delivery, d)
	c.mu.Unlock()
}

// AddRejection counts a message_rejected or rate_limited reply by reason.
func (c *Collector) AddRejection(reason string) {
	c.mu.Lock()
	c.rejected[reason]++
	c.mu.Unlock()
}

// AddError counts a failed dial, handshake or write.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report writes the run summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if attempts := c.connections + c.errors; attempts > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(attempts)*100)
	}
	if c.sent > 0 {
		fmt.Fprintf(w, "Sent:         %d\n", c.sent)
	}

	for _, section := range []struct {
		title string
		data  []time.Duration
	}{
		{"Connect Latency", c.connect},
		{"Auth Latency", c.auth},
		{"Delivery Latency", c.delivery},
	} {
		if p, ok := Summarize(section.data); ok {
			fmt.Fprintf(w, "\n--- %s ---\n  %s\n", section.title, p)
		}
	}

	if len(c.rejected) > 0 {
		fmt.Fprintln(w, "\n--- Rejections ---")
		reasons := make([]string, 0, len(c.rejected))
		for r := range c.rejected {
			reasons = append(reasons, r)
		}
		slices.Sort(reasons)
		for _, r := range reasons {
			fmt.Fprintf(w, "  %-20s %d\n", r, c.rejected[r])
		}
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (p Percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}

// Summarize computes nearest-rank percentiles. It sorts a copy of samples
// and reports false when there are none.
func Summarize(samples []time.Duration) (Percentiles, bool) {
	n := len(samples)
	if n == 0 {
		return Percentiles{}, false
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: rank(0.50),
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}, true
}
