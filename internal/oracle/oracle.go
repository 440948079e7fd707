package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tapx/risk-engine/internal/metrics"
	"github.com/tapx/risk-engine/internal/model"
)

var (
	// ErrUnavailable is returned when fewer live sources respond than the
	// configured minimum.
	ErrUnavailable = errors.New("oracle: too few live sources")

	// ErrManipulated is returned when manipulation signals persist after
	// the retry and no trusted fallback source exists. Settlement callers
	// must treat this as "do not resolve", never as a price.
	ErrManipulated = errors.New("oracle: price manipulation detected")
)

// Options configures aggregation and manipulation detection.
type Options struct {
	FetchTimeout time.Duration
	CacheTTL     time.Duration
	MinSources   int

	// MaxSpreadPct is the maximum tolerated inter-source spread as a
	// fraction of the median.
	MaxSpreadPct float64

	// SoftJumpPct and HardJumpPct bound the divergence from the trailing
	// one-minute rolling average. A soft jump lowers confidence; a hard
	// jump marks the price manipulated.
	SoftJumpPct float64
	HardJumpPct float64

	// MaxSourceDeviationPct is the maximum single-source deviation from
	// the plain median before the aggregate is marked manipulated.
	MaxSourceDeviationPct float64

	// RetryDelay is the pause before the single resolution retry.
	RetryDelay time.Duration
}

// weightedMedianTolerance is how far the weighted median may sit from the
// plain median before the plain value wins; the plain median is more
// resistant to a single dominant or compromised source.
const weightedMedianTolerance = 0.005

// rollingWindow is the span of the trailing average used for jump detection.
const rollingWindow = time.Minute

type rollingPoint struct {
	price float64
	at    time.Time
}

// Oracle queries all configured sources concurrently, aggregates the live
// quotes into a VerifiedPrice, and caches the result briefly to bound
// upstream call volume.
type Oracle struct {
	sources []Source
	opts    Options
	now     func() time.Time
	sleep   func(time.Duration)

	mu      sync.Mutex
	cached  *model.VerifiedPrice
	history []rollingPoint

	// OnPrice, when set, receives every freshly aggregated price. The
	// engine uses it to feed the circuit breaker.
	OnPrice func(price float64)
}

// New creates an oracle over the given sources. now and sleep may be nil
// (defaulting to time.Now and time.Sleep); tests inject both.
func New(sources []Source, opts Options, now func() time.Time) *Oracle {
	if now == nil {
		now = time.Now
	}
	return &Oracle{
		sources: sources,
		opts:    opts,
		now:     now,
		sleep:   time.Sleep,
	}
}

// GetVerifiedPrice returns the aggregated reference price, serving the
// cached value when it is fresh enough.
func (o *Oracle) GetVerifiedPrice(ctx context.Context) (*model.VerifiedPrice, error) {
	o.mu.Lock()
	if o.cached != nil && o.now().Sub(o.cached.Timestamp) < o.opts.CacheTTL {
		vp := *o.cached
		o.mu.Unlock()
		return &vp, nil
	}
	o.mu.Unlock()

	return o.refresh(ctx)
}

// GetResolutionPrice returns a price suitable for settling a bet. It never
// silently uses a manipulated price: on detection it retries once after a
// short delay, then falls back to the single most-trusted fresh source,
// and otherwise fails with ErrManipulated.
func (o *Oracle) GetResolutionPrice(ctx context.Context) (price float64, verified bool, sources int, err error) {
	vp, err := o.refresh(ctx)
	if err != nil {
		return 0, false, 0, err
	}
	if !vp.Manipulated {
		return vp.Price, true, vp.Sources, nil
	}

	slog.Warn("manipulated price at resolution, retrying", "reasons", vp.Reasons)
	o.sleep(o.opts.RetryDelay)

	vp, err = o.refresh(ctx)
	if err != nil {
		return 0, false, 0, err
	}
	if !vp.Manipulated {
		return vp.Price, true, vp.Sources, nil
	}

	if quote, ok := o.mostTrustedFresh(ctx); ok {
		slog.Warn("falling back to most trusted source for resolution",
			"source", quote.Source, "price", quote.Price)
		return quote.Price, false, 1, nil
	}

	return 0, false, 0, ErrManipulated
}

// refresh fetches all sources and aggregates, bypassing the cache.
func (o *Oracle) refresh(ctx context.Context) (*model.VerifiedPrice, error) {
	quotes := o.fetchAll(ctx)

	live := quotes[:0]
	for _, q := range quotes {
		if !q.Stale {
			live = append(live, q)
		}
	}
	if len(live) < o.opts.MinSources {
		return nil, fmt.Errorf("%w: %d of %d required", ErrUnavailable, len(live), o.opts.MinSources)
	}

	vp := o.aggregate(live)

	o.mu.Lock()
	o.cached = vp
	// A manipulated aggregate is never a jump baseline: recording it
	// would let a sustained spoof look normal on the retry.
	if !vp.Manipulated {
		o.recordLocked(vp.Price, vp.Timestamp)
	}
	o.mu.Unlock()

	if o.OnPrice != nil {
		o.OnPrice(vp.Price)
	}
	return vp, nil
}

// fetchAll queries every source in parallel and joins on all-complete-or-
// timeout. Failed sources are dropped; stale quotes are returned flagged.
func (o *Oracle) fetchAll(ctx context.Context) []model.PriceQuote {
	ctx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()

	started := time.Now()
	results := make(chan model.PriceQuote, len(o.sources))
	var wg sync.WaitGroup

	for _, src := range o.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			quote, err := src.FetchQuote(ctx)
			if err != nil {
				slog.Debug("price source failed", "source", src.Name(), "err", err)
				metrics.OracleSourceFailures.WithLabelValues(src.Name()).Inc()
				return
			}
			if o.now().Sub(quote.Timestamp) > src.MaxStaleness() {
				quote.Stale = true
				metrics.OracleSourceFailures.WithLabelValues(src.Name()).Inc()
			}
			results <- quote
		}(src)
	}

	wg.Wait()
	close(results)
	metrics.OracleFetchLatency.Observe(time.Since(started).Seconds())

	quotes := make([]model.PriceQuote, 0, len(o.sources))
	for q := range results {
		quotes = append(quotes, q)
	}
	return quotes
}

// aggregate computes the reference price and manipulation signals from
// live quotes. Callers guarantee len(quotes) >= MinSources >= 1.
func (o *Oracle) aggregate(quotes []model.PriceQuote) *model.VerifiedPrice {
	prices := make([]float64, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price
	}
	sort.Float64s(prices)

	med := median(prices)
	weighted := o.weightedMedian(quotes)

	// Prefer the reliability-weighted value, but only while it agrees
	// with the plain median; a large divergence suggests a dominant or
	// compromised source skewing the weights.
	price := med
	if med > 0 && math.Abs(weighted-med)/med < weightedMedianTolerance {
		price = weighted
	}

	spread := 0.0
	if med > 0 {
		spread = (prices[len(prices)-1] - prices[0]) / med
	}

	var reasons []string
	manipulated := false

	if spread > o.opts.MaxSpreadPct {
		manipulated = true
		reasons = append(reasons, fmt.Sprintf("inter-source spread %.4f exceeds %.4f", spread, o.opts.MaxSpreadPct))
	}

	for _, q := range quotes {
		if med > 0 && math.Abs(q.Price-med)/med > o.opts.MaxSourceDeviationPct {
			manipulated = true
			reasons = append(reasons, fmt.Sprintf("source %s deviates %.4f from median", q.Source, math.Abs(q.Price-med)/med))
		}
	}

	softJump := false
	if avg, ok := o.trailingAverage(); ok && avg > 0 {
		jump := math.Abs(price-avg) / avg
		switch {
		case jump > o.opts.HardJumpPct:
			manipulated = true
			reasons = append(reasons, fmt.Sprintf("hard jump %.4f vs 1m average", jump))
		case jump > o.opts.SoftJumpPct:
			softJump = true
			reasons = append(reasons, fmt.Sprintf("soft jump %.4f vs 1m average", jump))
		}
	}

	if manipulated {
		metrics.ManipulationDetected.Inc()
	}

	confidence := model.ConfidenceHigh
	switch {
	case manipulated:
		confidence = model.ConfidenceLow
	case softJump || len(quotes) <= o.opts.MinSources:
		confidence = model.ConfidenceMedium
	}

	return &model.VerifiedPrice{
		Price:       price,
		Sources:     len(quotes),
		SpreadPct:   spread,
		Confidence:  confidence,
		Manipulated: manipulated,
		Reasons:     reasons,
		Timestamp:   o.now(),
	}
}

// weightedMedian picks the price at which the cumulative reliability
// weight crosses half of the total.
func (o *Oracle) weightedMedian(quotes []model.PriceQuote) float64 {
	weights := make(map[string]float64, len(o.sources))
	for _, src := range o.sources {
		weights[src.Name()] = src.Reliability()
	}

	sorted := make([]model.PriceQuote, len(quotes))
	copy(sorted, quotes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	total := 0.0
	for _, q := range sorted {
		total += weights[q.Source]
	}
	if total <= 0 {
		return median(pricesOf(sorted))
	}

	cum := 0.0
	for _, q := range sorted {
		cum += weights[q.Source]
		if cum >= total/2 {
			return q.Price
		}
	}
	return sorted[len(sorted)-1].Price
}

// mostTrustedFresh returns the highest-reliability source's quote, if any
// source still answers with a fresh quote.
func (o *Oracle) mostTrustedFresh(ctx context.Context) (model.PriceQuote, bool) {
	ranked := make([]Source, len(o.sources))
	copy(ranked, o.sources)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Reliability() > ranked[j].Reliability() })

	for _, src := range ranked {
		fetchCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
		quote, err := src.FetchQuote(fetchCtx)
		cancel()
		if err != nil {
			continue
		}
		if o.now().Sub(quote.Timestamp) > src.MaxStaleness() {
			continue
		}
		return quote, true
	}
	return model.PriceQuote{}, false
}

// trailingAverage returns the mean of aggregated prices over the trailing
// one-minute window, excluding points recorded in the current call.
func (o *Oracle) trailingAverage() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.now().Add(-rollingWindow)
	sum, n := 0.0, 0
	for _, p := range o.history {
		if p.at.After(cutoff) {
			sum += p.price
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// recordLocked appends to the rolling history and prunes expired points.
// Caller holds o.mu.
func (o *Oracle) recordLocked(price float64, at time.Time) {
	o.history = append(o.history, rollingPoint{price: price, at: at})

	cutoff := at.Add(-rollingWindow)
	idx := 0
	for idx < len(o.history) && !o.history[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		o.history = o.history[idx:]
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func pricesOf(quotes []model.PriceQuote) []float64 {
	out := make([]float64, len(quotes))
	for i, q := range quotes {
		out[i] = q.Price
	}
	return out
}
