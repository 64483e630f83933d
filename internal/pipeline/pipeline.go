// Package pipeline drives a reconciler from an event log: one historical
// fetch with retries, then a live tail polled on an interval.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emperorhan/counterwatch/internal/alert"
	"github.com/emperorhan/counterwatch/internal/chain"
	"github.com/emperorhan/counterwatch/internal/circuitbreaker"
	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/metrics"
	"github.com/emperorhan/counterwatch/internal/pipeline/normalizer"
	"github.com/emperorhan/counterwatch/internal/pipeline/retry"
	"github.com/emperorhan/counterwatch/internal/reconciler"
	"github.com/emperorhan/counterwatch/internal/tracing"
)

const DefaultLivePollInterval = 4 * time.Second

const alertSendTimeout = 10 * time.Second

type Config struct {
	// Chain selects hash canonicalisation for normalised events.
	Chain            model.Chain
	LivePollInterval time.Duration
	Retry            retry.Policy
	Breaker          circuitbreaker.Config
	// FetchOptions applies to live polls; the historical fetch always
	// requests all metadata.
	FetchOptions chain.FetchOptions
	// UnhealthyThreshold overrides DefaultUnhealthyThreshold when positive.
	UnhealthyThreshold int
	// Contract is the watched address as configured; it is only reported.
	Contract string
	// Notifier receives health transitions and historical failures. Nil
	// disables alerting.
	Notifier alert.Notifier
}

// HistoricalFetchError is the terminal error of a failed historical load.
type HistoricalFetchError struct {
	Source string
	Err    error
}

func (e *HistoricalFetchError) Error() string {
	return fmt.Sprintf("historical fetch from %s failed: %v", e.Source, e.Err)
}

func (e *HistoricalFetchError) Unwrap() error { return e.Err }

type Pipeline struct {
	cfg     Config
	log     chain.EventLog
	rec     *reconciler.Reconciler
	health  *Health
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	cursor atomic.Uint64
	state  atomic.Pointer[chain.ContractState]
}

func New(cfg Config, log chain.EventLog, rec *reconciler.Reconciler, logger *slog.Logger) *Pipeline {
	if cfg.LivePollInterval <= 0 {
		cfg.LivePollInterval = DefaultLivePollInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		retryHook := cfg.Retry.OnRetry
		cfg.Retry = retry.DefaultPolicy()
		cfg.Retry.OnRetry = retryHook
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = log.Source()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = alert.Discard
	}

	health := NewHealth(log.Source())
	if cfg.UnhealthyThreshold > 0 {
		health.unhealthyThreshold = cfg.UnhealthyThreshold
	}
	return &Pipeline{
		cfg:     cfg,
		log:     log,
		rec:     rec,
		health:  health,
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger.With("component", "pipeline", "source", log.Source()),
	}
}

func (p *Pipeline) Source() string                    { return p.log.Source() }
func (p *Pipeline) Reconciler() *reconciler.Reconciler { return p.rec }
func (p *Pipeline) Health() *Health                    { return p.health }

// Cursor returns the block the next live poll starts from.
func (p *Pipeline) Cursor() uint64 { return p.cursor.Load() }

// ContractState returns the last contract read. ok is false until the first
// read, and always when the event log cannot query the contract.
func (p *Pipeline) ContractState() (chain.ContractState, bool) {
	st := p.state.Load()
	if st == nil {
		return chain.ContractState{}, false
	}
	return *st, true
}

// Run loads history and then tails live events until ctx ends. A failed
// historical load leaves the reconciler in its failed state and Run idles
// until cancellation. Run returns nil on cancellation and closes the
// reconciler on exit.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.rec.Close()

	if err := p.LoadHistory(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		var histErr *HistoricalFetchError
		if !errors.As(err, &histErr) {
			return err
		}
		p.health.SetStatus(HealthStatusUnhealthy)
		<-ctx.Done()
		return nil
	}

	p.runLive(ctx)
	return nil
}

// LoadHistory performs the one-shot historical fetch from block 0 and feeds
// the reconciler. Transient errors are retried under the configured policy; a
// final failure is reported to the reconciler and returned as a
// *HistoricalFetchError.
func (p *Pipeline) LoadHistory(ctx context.Context) (err error) {
	source := p.log.Source()
	if beginErr := p.rec.BeginHistorical(); beginErr != nil {
		p.logger.Warn("begin historical rejected", "error", beginErr)
	}

	ctx, span := tracing.Tracer("pipeline").Start(ctx, "pipeline.historical_fetch")
	span.SetAttributes(tracing.SourceAttr(source))
	defer func() { tracing.End(span, err) }()

	policy := p.cfg.Retry
	userHook := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, d retry.Decision, delay time.Duration) {
		metrics.HistoricalFetchAttempts.WithLabelValues(source, "retry").Inc()
		p.logger.Warn("historical fetch failed, retrying",
			"attempt", attempt,
			"reason", d.Reason,
			"delay", delay,
			"error", err,
		)
		if userHook != nil {
			userHook(attempt, err, d, delay)
		}
	}

	start := time.Now()
	raws, err := retry.Do(ctx, policy, func(ctx context.Context) ([]model.RawEvent, error) {
		return p.log.FetchEvents(ctx, 0, chain.AllMeta())
	})
	metrics.HistoricalFetchLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.HistoricalFetchAttempts.WithLabelValues(source, "failure").Inc()
		histErr := &HistoricalFetchError{Source: source, Err: err}
		p.logger.Error("historical fetch failed", "error", err)
		p.rec.OnHistoricalError(histErr)
		p.rec.OnLoadSettled()
		p.sendAlert(ctx, alert.KindHistoryFailed, 0, err)
		return histErr
	}
	metrics.HistoricalFetchAttempts.WithLabelValues(source, "success").Inc()

	events := normalizer.ToChangeEvents(p.cfg.Chain, raws)
	span.SetAttributes(attribute.Int("counterwatch.events", len(events)))
	p.refreshContractState(ctx)
	p.rec.OnHistoricalLoad(events)
	p.rec.OnLoadSettled()

	if from, ok := p.rec.LiveQuery(); ok {
		p.cursor.Store(from)
		metrics.LiveCursorBlock.WithLabelValues(source).Set(float64(from))
	}
	p.logger.Info("historical load complete", "events", len(events), "elapsed", time.Since(start))
	return nil
}

func (p *Pipeline) runLive(ctx context.Context) {
	if _, enabled := p.rec.LiveQuery(); !enabled {
		p.health.SetStatus(HealthStatusInactive)
		<-ctx.Done()
		return
	}

	p.logger.Info("live tail started", "from_block", p.Cursor(), "interval", p.cfg.LivePollInterval)
	ticker := time.NewTicker(p.cfg.LivePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("live tail stopped", "cursor", p.Cursor())
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Debug("live poll failed", "error", err)
			}
		}
	}
}

// PollOnce runs a single live poll: it fetches events from the cursor,
// hands them to the reconciler and advances the cursor to the highest block
// seen. The cursor block itself is re-queried next time; the reconciler's
// dedup absorbs the overlap. Polls are skipped while the breaker is open.
func (p *Pipeline) PollOnce(ctx context.Context) (err error) {
	source := p.log.Source()
	from, enabled := p.rec.LiveQuery()
	if !enabled {
		return nil
	}
	if err := p.breaker.Allow(); err != nil {
		metrics.LivePollsTotal.WithLabelValues(source, "skipped").Inc()
		return err
	}

	cursor := max(p.cursor.Load(), from)

	ctx, span := tracing.Tracer("pipeline").Start(ctx, "pipeline.live_poll")
	span.SetAttributes(tracing.SourceAttr(source), attribute.Int64("counterwatch.from_block", int64(cursor)))
	defer func() { tracing.End(span, err) }()

	p.rec.OnLiveFetchStarted()
	start := time.Now()
	raws, err := p.log.FetchEvents(ctx, cursor, p.cfg.FetchOptions)
	latency := time.Since(start)
	metrics.LivePollLatency.WithLabelValues(source).Observe(latency.Seconds())

	if err != nil {
		p.rec.OnLiveError(err)
		if ctx.Err() != nil {
			p.breaker.RecordSuccess()
			return ctx.Err()
		}
		p.breaker.RecordFailure()
		if p.health.RecordFailure(err) {
			p.logger.Warn("live tail unhealthy", "error", err)
			p.sendAlert(ctx, alert.KindUnhealthy, cursor, err)
		}
		metrics.LivePollsTotal.WithLabelValues(source, "error").Inc()
		return fmt.Errorf("live poll from block %d: %w", cursor, err)
	}

	events := normalizer.ToChangeEvents(p.cfg.Chain, raws)
	if st := p.state.Load(); len(events) > 0 || st == nil || st.Error != "" {
		p.refreshContractState(ctx)
	}
	added := p.rec.OnLiveEvents(events)

	next := cursor
	for _, ev := range events {
		if b := ev.Block(); b > next {
			next = b
		}
	}
	p.cursor.Store(next)
	metrics.LiveCursorBlock.WithLabelValues(source).Set(float64(next))

	p.breaker.RecordSuccess()
	if p.health.RecordSuccess(latency) {
		p.logger.Info("live tail recovered")
		p.sendAlert(ctx, alert.KindRecovery, next, nil)
	}
	metrics.LivePollsTotal.WithLabelValues(source, "ok").Inc()
	span.SetAttributes(attribute.Int("counterwatch.added", added))
	if added > 0 {
		p.logger.Debug("live events applied", "added", added, "cursor", next)
	}
	return nil
}

// refreshContractState re-reads the counter value and owner when the event
// log can query the contract. A failed read keeps the previous values and
// records the error.
func (p *Pipeline) refreshContractState(ctx context.Context) {
	reader, ok := p.log.(chain.ContractReader)
	if !ok {
		return
	}
	source := p.log.Source()

	var next chain.ContractState
	if prev := p.state.Load(); prev != nil {
		next = *prev
	}
	var errs []error
	fresh := false

	value, err := reader.CurrentValue(ctx)
	if err != nil {
		errs = append(errs, err)
		metrics.ContractReads.WithLabelValues(source, "value", "error").Inc()
	} else {
		next.Value, fresh = value, true
		metrics.ContractReads.WithLabelValues(source, "value", "ok").Inc()
		f, _ := new(big.Float).SetInt(value).Float64()
		metrics.ContractValue.WithLabelValues(source).Set(f)
	}

	owner, err := reader.Owner(ctx)
	switch {
	case errors.Is(err, chain.ErrUnsupported):
	case err != nil:
		errs = append(errs, err)
		metrics.ContractReads.WithLabelValues(source, "owner", "error").Inc()
	default:
		next.Owner, fresh = owner, true
		metrics.ContractReads.WithLabelValues(source, "owner", "ok").Inc()
	}

	if ctx.Err() != nil {
		return
	}
	next.Error = ""
	if len(errs) > 0 {
		joined := errors.Join(errs...)
		next.Error = joined.Error()
		p.logger.Warn("contract read failed", "error", joined)
	}
	if fresh {
		next.UpdatedAt = time.Now()
	}
	p.state.Store(&next)
}

// sendAlert reports kind with the driver's current bookkeeping. cursor is the
// block the poll that raised it started from or advanced to.
func (p *Pipeline) sendAlert(ctx context.Context, kind alert.Kind, cursor uint64, cause error) {
	st := p.rec.State()
	a := alert.Alert{
		Kind:                kind,
		Source:              p.log.Source(),
		Chain:               string(p.cfg.Chain),
		Contract:            p.cfg.Contract,
		Phase:               st.Phase.String(),
		Watermark:           st.Watermark,
		Cursor:              cursor,
		ConsecutiveFailures: p.health.Snapshot().ConsecutiveFailures,
		Events:              st.EventCount,
	}
	if cause != nil {
		a.Err = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertSendTimeout)
	defer cancel()
	if err := p.cfg.Notifier.Notify(ctx, a); err != nil {
		p.logger.Warn("alert delivery failed", "kind", kind, "error", err)
	}
}
