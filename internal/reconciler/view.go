package reconciler

import (
	"sort"
	"strconv"
	"time"

	"github.com/emperorhan/counterwatch/internal/domain/model"
)

// Placeholder is rendered in place of an absent caller or counter value.
const Placeholder = "N/A"

// ViewPhase is what the display should show as a whole.
type ViewPhase string

const (
	ViewLoading ViewPhase = "loading"
	ViewEmpty   ViewPhase = "empty"
	ViewReady   ViewPhase = "ready"
	ViewFailed  ViewPhase = "failed"
)

// View is the display projection of the reconciler.
type View struct {
	Phase      ViewPhase `json:"phase"`
	Lifecycle  string    `json:"lifecycle"`
	Count      int       `json:"count"`
	Refreshing bool      `json:"refreshing"`
	Watermark  uint64    `json:"watermark"`
	Error      string    `json:"error,omitempty"`
	Rows       []Row     `json:"rows"`
}

// Row is one display line of the history.
type Row struct {
	Key             string       `json:"key"`
	TransactionHash string       `json:"transaction_hash,omitempty"`
	Reason          model.Reason `json:"reason"`
	Icon            string       `json:"icon"`
	Color           string       `json:"color"`
	BlockNumber     *uint64      `json:"block_number,omitempty"`
	BlockLabel      string       `json:"block_label,omitempty"`
	Timestamp       *time.Time   `json:"timestamp,omitempty"`
	Caller          string       `json:"caller"`
	OldValue        string       `json:"old_value"`
	NewValue        string       `json:"new_value"`
}

// Render projects the current state for display. It does not mutate state.
func (r *Reconciler) Render() View {
	r.mu.Lock()
	state := State{
		Phase:               r.phase,
		InitialLoadComplete: r.initialLoadComplete,
		Watermark:           r.watermark,
		EventCount:          len(r.events),
		Refreshing:          r.refreshing,
		Err:                 r.err,
		Closed:              r.closed,
	}
	events := cloneEvents(r.events)
	r.mu.Unlock()

	return buildView(state, events)
}

func buildView(state State, events []model.ChangeEvent) View {
	v := View{
		Lifecycle:  state.Phase.String(),
		Watermark:  state.Watermark,
		Refreshing: state.Refreshing && state.InitialLoadComplete,
		Rows:       []Row{},
	}

	switch {
	case state.Err != nil:
		v.Phase = ViewFailed
		v.Error = state.Err.Error()
		v.Refreshing = false
		return v
	case !state.InitialLoadComplete, state.Phase == PhaseIdle, state.Phase == PhaseHistoricalPending:
		// Settled without data still has nothing to show.
		v.Phase = ViewLoading
		return v
	case len(events) == 0:
		v.Phase = ViewEmpty
		return v
	}

	v.Phase = ViewReady
	v.Count = len(events)
	v.Rows = RenderRows(events)
	return v
}

// RenderRows sorts events newest block first (stable for equal blocks, absent
// blocks sort as 0) and maps them to display rows. The row key combines the
// transaction hash with the row position so repeated hashes stay distinct.
func RenderRows(events []model.ChangeEvent) []Row {
	sorted := cloneEvents(events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Block() > sorted[j].Block()
	})

	rows := make([]Row, 0, len(sorted))
	for i, ev := range sorted {
		keyHash := ev.TransactionHash
		if keyHash == "" {
			keyHash = "unknown"
		}
		row := Row{
			Key:             keyHash + "-" + strconv.Itoa(i),
			TransactionHash: ev.TransactionHash,
			Reason:          ev.Reason,
			Icon:            ev.Reason.Icon(),
			Color:           ev.Reason.Color(),
			Timestamp:       ev.BlockTimestamp,
			Caller:          Placeholder,
			OldValue:        Placeholder,
			NewValue:        Placeholder,
		}
		if row.Reason == "" {
			row.Reason = model.ReasonUnknown
			row.Icon = model.ReasonUnknown.Icon()
			row.Color = model.ReasonUnknown.Color()
		}
		if ev.BlockNumber != nil {
			n := *ev.BlockNumber
			row.BlockNumber = &n
			row.BlockLabel = "Block #" + strconv.FormatUint(n, 10)
		}
		if ev.Caller != nil && *ev.Caller != "" {
			row.Caller = *ev.Caller
		}
		if ev.OldValue != nil {
			row.OldValue = ev.OldValue.String()
		}
		if ev.NewValue != nil {
			row.NewValue = ev.NewValue.String()
		}
		rows = append(rows, row)
	}
	return rows
}
