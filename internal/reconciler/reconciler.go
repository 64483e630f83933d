// Package reconciler merges a one-shot historical fetch of CounterChanged
// events with a live tail into a single deduplicated history.
//
// The reconciler owns its state record and is mutated only through its
// handlers. Observers subscribe to updates instead of polling; each handler
// that changes visible state notifies every subscriber exactly once.
package reconciler

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/metrics"
)

// UpdateKind identifies which handler produced an Update.
type UpdateKind string

const (
	UpdateHistorical UpdateKind = "historical"
	UpdateLive       UpdateKind = "live"
	UpdateLifecycle  UpdateKind = "lifecycle"
	UpdateRefresh    UpdateKind = "refresh"
)

// Update is delivered to subscribers after a state change.
type Update struct {
	Kind  UpdateKind
	Phase Phase
	// Added holds the events accepted by this change: the full replacement
	// set for UpdateHistorical, the prepended events for UpdateLive.
	Added []model.ChangeEvent
}

// State is a point-in-time copy of the reconciler's bookkeeping.
type State struct {
	Phase               Phase
	InitialLoadComplete bool
	Watermark           uint64
	EventCount          int
	Refreshing          bool
	Err                 error
	Closed              bool
}

type Reconciler struct {
	mu     sync.Mutex
	source string
	logger *slog.Logger

	phase               Phase
	historicalApplied   bool
	initialLoadComplete bool
	events              []model.ChangeEvent // arrival order, not display order
	seen                map[string]struct{}
	watermark           uint64
	refreshing          bool
	err                 error
	closed              bool

	subscribers map[int]func(Update)
	nextSubID   int
}

type Option func(*Reconciler)

// WithLogger sets the logger used for rejected transitions and lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a reconciler in PhaseIdle. source labels its metrics.
func New(source string, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:      source,
		logger:      slog.Default(),
		seen:        make(map[string]struct{}),
		subscribers: make(map[int]func(Update)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With("component", "reconciler", "source", source)
	return r
}

// BeginHistorical marks the historical fetch as in flight.
func (r *Reconciler) BeginHistorical() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if err := r.transitionLocked(PhaseHistoricalPending); err != nil {
		r.mu.Unlock()
		return err
	}
	notify := r.pendingLocked(Update{Kind: UpdateLifecycle, Phase: r.phase})
	r.mu.Unlock()

	notify()
	return nil
}

// OnHistoricalLoad replaces the history wholesale with events (even when
// empty) and raises the watermark to max(blockNumber)+1, or 1 for an empty
// load. The watermark never decreases. Duplicate hashes inside the batch keep
// their first occurrence; events without a hash are kept as-is.
func (r *Reconciler) OnHistoricalLoad(events []model.ChangeEvent) {
	r.mu.Lock()
	if r.closed || r.phase == PhaseFailed {
		r.mu.Unlock()
		return
	}

	accepted := make([]model.ChangeEvent, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.TransactionHash != "" {
			if _, dup := seen[ev.TransactionHash]; dup {
				continue
			}
			seen[ev.TransactionHash] = struct{}{}
		}
		accepted = append(accepted, ev)
	}

	r.events = accepted
	r.seen = seen
	if wm := HistoricalWatermark(accepted); wm > r.watermark {
		r.watermark = wm
	}
	r.historicalApplied = true

	switch {
	case r.phase == PhaseLive:
	case r.initialLoadComplete:
		r.mustTransitionLocked(PhaseLive)
	default:
		r.mustTransitionLocked(PhaseHistoricalLoaded)
	}

	metrics.ReconcilerEventsAdded.WithLabelValues(r.source, string(UpdateHistorical)).Add(float64(len(accepted)))
	metrics.ReconcilerWatermark.WithLabelValues(r.source).Set(float64(r.watermark))
	metrics.ReconcilerHistorySize.WithLabelValues(r.source).Set(float64(len(r.events)))
	r.logger.Info("historical load applied", "events", len(accepted), "watermark", r.watermark, "phase", r.phase)

	notify := r.pendingLocked(Update{Kind: UpdateHistorical, Phase: r.phase, Added: cloneEvents(accepted)})
	r.mu.Unlock()

	notify()
}

// OnLoadSettled records that the historical fetch stopped loading. It flips
// InitialLoadComplete once and never resets it. It may arrive before or after
// OnHistoricalLoad.
func (r *Reconciler) OnLoadSettled() {
	r.mu.Lock()
	if r.closed || r.initialLoadComplete {
		r.mu.Unlock()
		return
	}
	r.initialLoadComplete = true

	if r.phase != PhaseFailed && r.historicalApplied && r.watermark > 0 {
		r.mustTransitionLocked(PhaseLive)
	}
	notify := r.pendingLocked(Update{Kind: UpdateLifecycle, Phase: r.phase})
	r.mu.Unlock()

	notify()
}

// OnHistoricalError moves the reconciler to the terminal Failed phase. The
// live tail is never enabled afterwards.
func (r *Reconciler) OnHistoricalError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	if r.closed || r.phase.Terminal() {
		if !r.closed {
			r.logger.Warn("historical error ignored in terminal phase", "phase", r.phase, "error", err)
		}
		r.mu.Unlock()
		return
	}
	r.err = err
	r.mustTransitionLocked(PhaseFailed)
	r.logger.Error("historical fetch failed", "error", err)

	notify := r.pendingLocked(Update{Kind: UpdateLifecycle, Phase: r.phase})
	r.mu.Unlock()

	notify()
}

// OnLiveFetchStarted raises the background refresh indicator.
func (r *Reconciler) OnLiveFetchStarted() {
	r.mu.Lock()
	if r.closed || r.phase != PhaseLive || r.refreshing {
		r.mu.Unlock()
		return
	}
	r.refreshing = true
	notify := r.pendingLocked(Update{Kind: UpdateRefresh, Phase: r.phase})
	r.mu.Unlock()

	notify()
}

// OnLiveEvents prepends live events whose transaction hash is not yet known.
// Events without a hash, already present, or repeated inside the batch are
// dropped. It is ignored unless the reconciler is Live and returns the number
// of events added. Applying the same batch twice is a no-op the second time.
func (r *Reconciler) OnLiveEvents(events []model.ChangeEvent) int {
	r.mu.Lock()
	if r.closed || r.phase != PhaseLive {
		r.mu.Unlock()
		return 0
	}

	fresh := make([]model.ChangeEvent, 0, len(events))
	batch := make(map[string]struct{}, len(events))
	dropped := 0
	for _, ev := range events {
		hash := ev.TransactionHash
		if hash == "" {
			dropped++
			continue
		}
		if _, known := r.seen[hash]; known {
			dropped++
			continue
		}
		if _, dup := batch[hash]; dup {
			dropped++
			continue
		}
		batch[hash] = struct{}{}
		fresh = append(fresh, ev)
	}
	if dropped > 0 {
		metrics.ReconcilerDuplicatesDropped.WithLabelValues(r.source).Add(float64(dropped))
	}

	wasRefreshing := r.refreshing
	r.refreshing = false

	if len(fresh) == 0 {
		var notify func()
		if wasRefreshing {
			notify = r.pendingLocked(Update{Kind: UpdateRefresh, Phase: r.phase})
		}
		r.mu.Unlock()
		if notify != nil {
			notify()
		}
		return 0
	}

	merged := make([]model.ChangeEvent, 0, len(fresh)+len(r.events))
	merged = append(merged, fresh...)
	merged = append(merged, r.events...)
	r.events = merged
	for hash := range batch {
		r.seen[hash] = struct{}{}
	}

	metrics.ReconcilerEventsAdded.WithLabelValues(r.source, string(UpdateLive)).Add(float64(len(fresh)))
	metrics.ReconcilerHistorySize.WithLabelValues(r.source).Set(float64(len(r.events)))
	r.logger.Debug("live events prepended", "added", len(fresh), "dropped", dropped, "total", len(r.events))

	notify := r.pendingLocked(Update{Kind: UpdateLive, Phase: r.phase, Added: cloneEvents(fresh)})
	r.mu.Unlock()

	notify()
	return len(fresh)
}

// OnLiveError clears the refresh indicator. Live errors are never surfaced to
// the display; the last known history stays visible.
func (r *Reconciler) OnLiveError(err error) {
	r.mu.Lock()
	if r.closed || !r.refreshing {
		r.mu.Unlock()
		return
	}
	r.refreshing = false
	r.logger.Debug("live fetch failed", "error", err)
	notify := r.pendingLocked(Update{Kind: UpdateRefresh, Phase: r.phase})
	r.mu.Unlock()

	notify()
}

// LiveQuery returns the lower bound for the live tail and whether the tail
// may run: only once the initial load completed, a watermark exists, and
// the historical fetch did not fail.
func (r *Reconciler) LiveQuery() (fromBlock uint64, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	enabled = !r.closed && r.phase == PhaseLive && r.initialLoadComplete && r.watermark > 0
	return r.watermark, enabled
}

// State returns a copy of the reconciler's bookkeeping.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		Phase:               r.phase,
		InitialLoadComplete: r.initialLoadComplete,
		Watermark:           r.watermark,
		EventCount:          len(r.events),
		Refreshing:          r.refreshing,
		Err:                 r.err,
		Closed:              r.closed,
	}
}

// Events returns the history in arrival order.
func (r *Reconciler) Events() []model.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneEvents(r.events)
}

// Subscribe registers fn for every subsequent Update. Updates are delivered
// outside the reconciler lock, on the goroutine that invoked the handler.
// The returned function cancels the subscription.
func (r *Reconciler) Subscribe(fn func(Update)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.mu.Unlock()
		})
	}
}

// Close tears the reconciler down. Every handler is a no-op afterwards and
// subscribers receive nothing further.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.refreshing = false
	r.subscribers = make(map[int]func(Update))
	r.logger.Info("reconciler closed", "phase", r.phase, "events", len(r.events))
}

// HistoricalWatermark returns max(blockNumber)+1 over events, treating an
// absent block as 0, or 1 when events is empty.
func HistoricalWatermark(events []model.ChangeEvent) uint64 {
	var highest uint64
	for _, ev := range events {
		if b := ev.Block(); b > highest {
			highest = b
		}
	}
	return highest + 1
}

func (r *Reconciler) transitionLocked(to Phase) error {
	from := r.phase
	if !CanTransition(from, to) {
		r.logger.Warn("rejected lifecycle transition", "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r.phase = to
	metrics.ReconcilerTransitions.WithLabelValues(r.source, from.String(), to.String()).Inc()
	r.logger.Debug("lifecycle transition", "from", from, "to", to)
	return nil
}

// mustTransitionLocked is used where handler preconditions already
// guarantee the step is legal; a rejection is only logged.
func (r *Reconciler) mustTransitionLocked(to Phase) {
	if r.phase == to {
		return
	}
	_ = r.transitionLocked(to)
}

// pendingLocked snapshots subscribers under the lock and returns a closure
// that delivers u to them once the lock is released.
func (r *Reconciler) pendingLocked(u Update) func() {
	if len(r.subscribers) == 0 {
		return func() {}
	}
	ids := make([]int, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subscribers[id])
	}
	return func() {
		for _, fn := range fns {
			fn(u)
		}
	}
}

func cloneEvents(events []model.ChangeEvent) []model.ChangeEvent {
	if events == nil {
		return nil
	}
	out := make([]model.ChangeEvent, len(events))
	copy(out, events)
	return out
}
