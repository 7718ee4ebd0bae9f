package loadstats

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// snapshot holds the tracked server metrics at one point in time. Labelled
// series are summed.
type snapshot struct {
	at          time.Time
	connections float64
	online      float64
	messages    float64
	rateLimited float64
	verdicts    float64
	// histogram _sum and _count
	latencySum   float64
	latencyCount float64
	fanoutSum    float64
	fanoutCount  float64
}

// Scraper periodically fetches the server's /metrics endpoint.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper scrapes url every interval once started.
func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx
// ends or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop ends scraping after a final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		log.Printf("[loadstats] scrape %s failed: %v", s.url, err)
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("loadstats: metrics endpoint returned %s", resp.Status)
	}
	return parseSnapshot(resp.Body)
}

// parseSnapshot reads a text exposition and sums every series of the
// tracked metric families.
func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now()}
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return snapshot{}, fmt.Errorf("loadstats: parse metrics: %w", err)
	}

	value := func(m *dto.Metric) float64 {
		switch {
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue()
		case m.GetUntyped() != nil:
			return m.GetUntyped().GetValue()
		}
		return 0
	}
	histSum := func(m *dto.Metric) float64 { return m.GetHistogram().GetSampleSum() }
	histCount := func(m *dto.Metric) float64 { return float64(m.GetHistogram().GetSampleCount()) }

	for _, t := range []struct {
		name string
		get  func(*dto.Metric) float64
		dst  *float64
	}{
		{"chat_connections_total", value, &snap.connections},
		{"chat_online_users", value, &snap.online},
		{"chat_messages_total", value, &snap.messages},
		{"chat_rate_limited_total", value, &snap.rateLimited},
		{"chat_moderation_verdicts_total", value, &snap.verdicts},
		{"chat_message_latency_seconds", histSum, &snap.latencySum},
		{"chat_message_latency_seconds", histCount, &snap.latencyCount},
		{"chat_fanout_duration_seconds", histSum, &snap.fanoutSum},
		{"chat_fanout_duration_seconds", histCount, &snap.fanoutCount},
	} {
		mf, ok := families[t.name]
		if !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			*t.dst += t.get(m)
		}
	}
	return snap, nil
}

// Report writes initial, final, delta and peak values for every tracked
// metric, plus histogram averages over the run.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label string
		get   func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Online Users", func(s snapshot) float64 { return s.online }},
		{"Messages", func(s snapshot) float64 { return s.messages }},
		{"Rate Limited", func(s snapshot) float64 { return s.rateLimited }},
		{"Verdicts", func(s snapshot) float64 { return s.verdicts }},
	}
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		initial, final := r.get(first), r.get(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.get))
	}

	fmt.Fprintln(w)
	histogramAvg(w, "Msg Latency", last.latencySum-first.latencySum, last.latencyCount-first.latencyCount)
	histogramAvg(w, "Fan-out", last.fanoutSum-first.fanoutSum, last.fanoutCount-first.fanoutCount)
}

func histogramAvg(w io.Writer, label string, sum, count float64) {
	if count <= 0 {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", label)
		return
	}
	fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n", label, sum/count, count)
}

func peak(snaps []snapshot, get func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, get(s))
	}
	return p
}
