// Package metrics exposes the client's own metrics merged with the
// Prometheus metrics of a TF Serving instance.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	dto "github.com/prometheus/client_model/go"
)

// DefaultPath is where TF Serving exposes metrics when started with a
// monitoring config
const DefaultPath = "/monitoring/prometheus/metrics"

// Scraper reads the text exposition of a TF Serving instance
type Scraper struct {
	target     string
	httpClient *http.Client
}

// NewScraper creates a Scraper for metricsHost (scheme://host:restPort)
func NewScraper(metricsHost string, metricsPath string, timeout time.Duration) (*Scraper, error) {
	target, err := url.Parse(metricsHost)
	if err != nil {
		return nil, err
	}
	if metricsPath == "" {
		metricsPath = DefaultPath
	}
	target.Path = metricsPath
	return &Scraper{
		target:     target.String(),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Scrape returns the metric families sorted by name
func (s *Scraper) Scrape(ctx context.Context) ([]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.target, nil)
	if err != nil {
		return nil, err
	}
	// assuming that tfserving always returns metrics in plain text format
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scraping %s: %s", s.target, resp.Status)
	}

	var parser expfmt.TextParser
	parsed, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, err
	}

	result := make([]*dto.MetricFamily, 0, len(parsed))
	for _, mf := range parsed {
		result = append(result, mf)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].GetName() < result[j].GetName() })
	return result, nil
}

// Handler serves the default registry together with the scraped TF
// Serving metrics
func Handler(scraper *Scraper) http.Handler {
	gatherers := prometheus.Gatherers{
		prometheus.DefaultGatherer,
		prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
			return scraper.Scrape(context.Background())
		}),
	}

	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}),
	)
}
