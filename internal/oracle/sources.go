// Package oracle aggregates price quotes from multiple independent
// upstream sources into a manipulation-resistant reference price.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tapx/risk-engine/internal/model"
)

// Source is one upstream price feed. Failure and timeout are expected and
// handled by the aggregator; a single source never fails a whole call.
type Source interface {
	// Name identifies the source in quotes and logs.
	Name() string

	// Reliability is the source's aggregation weight in (0, 1].
	Reliability() float64

	// MaxStaleness is how old a quote may be before it is excluded.
	MaxStaleness() time.Duration

	// FetchQuote returns the source's current quote. The context carries
	// the fetch deadline.
	FetchQuote(ctx context.Context) (model.PriceQuote, error)
}

// HTTPSource fetches quotes from a JSON endpoint exposing a flat object
// with a numeric price field.
type HTTPSource struct {
	name         string
	url          string
	priceField   string
	reliability  float64
	maxStaleness time.Duration
	client       *http.Client
}

// NewHTTPSource creates a source for the given endpoint. client may be
// nil, in which case http.DefaultClient is used.
func NewHTTPSource(name, url, priceField string, reliability float64, maxStaleness time.Duration, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		name:         name,
		url:          url,
		priceField:   priceField,
		reliability:  reliability,
		maxStaleness: maxStaleness,
		client:       client,
	}
}

func (s *HTTPSource) Name() string                { return s.name }
func (s *HTTPSource) Reliability() float64        { return s.reliability }
func (s *HTTPSource) MaxStaleness() time.Duration { return s.maxStaleness }

func (s *HTTPSource) FetchQuote(ctx context.Context) (model.PriceQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("oracle: %s: build request: %w", s.name, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("oracle: %s: fetch: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.PriceQuote{}, fmt.Errorf("oracle: %s: status %d", s.name, resp.StatusCode)
	}

	var body map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.PriceQuote{}, fmt.Errorf("oracle: %s: decode: %w", s.name, err)
	}

	raw, ok := body[s.priceField]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("oracle: %s: missing field %q", s.name, s.priceField)
	}
	price, err := raw.Float64()
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("oracle: %s: parse price: %w", s.name, err)
	}
	if price <= 0 {
		return model.PriceQuote{}, fmt.Errorf("oracle: %s: non-positive price %v", s.name, price)
	}

	return model.PriceQuote{
		Source:    s.name,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}, nil
}

// StaticSource serves a settable price. Used in tests and local
// development; it can also simulate failures and stale timestamps.
type StaticSource struct {
	mu           sync.Mutex
	name         string
	reliability  float64
	maxStaleness time.Duration
	price        float64
	timestamp    time.Time
	err          error
}

// NewStaticSource creates a static source with the given initial price.
func NewStaticSource(name string, reliability float64, maxStaleness time.Duration, price float64) *StaticSource {
	return &StaticSource{
		name:         name,
		reliability:  reliability,
		maxStaleness: maxStaleness,
		price:        price,
		timestamp:    time.Now().UTC(),
	}
}

func (s *StaticSource) Name() string                { return s.name }
func (s *StaticSource) Reliability() float64        { return s.reliability }
func (s *StaticSource) MaxStaleness() time.Duration { return s.maxStaleness }

// SetPrice updates the served price and refreshes the quote timestamp.
func (s *StaticSource) SetPrice(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.timestamp = time.Now().UTC()
}

// SetTimestamp pins the quote timestamp, for staleness tests.
func (s *StaticSource) SetTimestamp(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestamp = ts
}

// Fail makes subsequent fetches return err; nil restores normal operation.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) FetchQuote(_ context.Context) (model.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return model.PriceQuote{}, s.err
	}
	return model.PriceQuote{
		Source:    s.name,
		Price:     s.price,
		Timestamp: s.timestamp,
	}, nil
}
