package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/emperorhan/counterwatch/internal/chain"
	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/metrics"
)

const eventColumns = `tx_hash, block_number, block_hash, block_timestamp,
	caller, old_value::TEXT, new_value::TEXT, reason,
	sender_address, execution_status, finality_status, actual_fee`

// EventLogRepo exposes counter_changed_events for one contract as a
// chain.EventLog. Rows are returned in chain order.
type EventLogRepo struct {
	db       *DB
	chainID  model.Chain
	contract string
	timeout  time.Duration
}

var (
	_ chain.EventLog       = (*EventLogRepo)(nil)
	_ chain.ContractReader = (*EventLogRepo)(nil)
)

func NewEventLogRepo(db *DB, chainID model.Chain, contract string) *EventLogRepo {
	return &EventLogRepo{
		db:       db,
		chainID:  chainID,
		contract: contract,
		timeout:  DefaultQueryTimeout,
	}
}

func (r *EventLogRepo) Source() string { return model.SourcePostgres.String() }

func (r *EventLogRepo) Chain() model.Chain { return r.chainID }

// HeadBlock returns the highest indexed block for the contract, 0 when the
// table holds no rows for it.
func (r *EventLogRepo) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var head sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(block_number) FROM counter_changed_events
		WHERE chain = $1 AND contract_address = $2
	`, r.chainID.String(), r.contract).Scan(&head)
	r.record("head_block", err)
	if err != nil {
		return 0, fmt.Errorf("query head block: %w", err)
	}
	if !head.Valid || head.Int64 < 0 {
		return 0, nil
	}
	return uint64(head.Int64), nil
}

// FetchEvents returns every row at or above fromBlock. Rows without a block
// number are only included in a full scan from block 0.
func (r *EventLogRepo) FetchEvents(ctx context.Context, fromBlock uint64, opts chain.FetchOptions) ([]model.RawEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM counter_changed_events
		WHERE chain = $1 AND contract_address = $2
		  AND (block_number >= $3 OR ($3 = 0 AND block_number IS NULL))
		ORDER BY block_number NULLS FIRST, log_index, id
	`, r.chainID.String(), r.contract, int64(fromBlock))
	if err != nil {
		r.record("fetch_events", err)
		return nil, fmt.Errorf("query events from block %d: %w", fromBlock, err)
	}
	defer rows.Close()

	var out []model.RawEvent
	for rows.Next() {
		raw, err := scanRawEvent(rows, opts)
		if err != nil {
			r.record("fetch_events", err)
			return nil, err
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		r.record("fetch_events", err)
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	r.record("fetch_events", nil)
	return out, nil
}

// CurrentValue returns new_value of the most recent indexed event. It fails
// when the contract has no indexed events.
func (r *EventLogRepo) CurrentValue(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var latest sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT new_value::TEXT FROM counter_changed_events
		WHERE chain = $1 AND contract_address = $2 AND block_number IS NOT NULL
		ORDER BY block_number DESC, log_index DESC, id DESC
		LIMIT 1
	`, r.chainID.String(), r.contract).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		r.record("current_value", nil)
		return nil, fmt.Errorf("current value: no indexed events for %s", r.contract)
	}
	r.record("current_value", err)
	if err != nil {
		return nil, fmt.Errorf("query current value: %w", err)
	}
	v, ok := new(big.Int).SetString(latest.String, 10)
	if !latest.Valid || !ok {
		return nil, fmt.Errorf("current value: malformed new_value %q", latest.String)
	}
	return v, nil
}

// Owner is not indexed.
func (r *EventLogRepo) Owner(context.Context) (string, error) {
	return "", chain.ErrUnsupported
}

func (r *EventLogRepo) record(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCCallsTotal.WithLabelValues(r.Source(), method, status).Inc()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRawEvent(row rowScanner, opts chain.FetchOptions) (model.RawEvent, error) {
	var (
		txHash, blockHash, caller         sql.NullString
		oldValue, newValue                sql.NullString
		reason                            string
		sender, execStatus, finality, fee sql.NullString
		blockNumber                       sql.NullInt64
		blockTime                         sql.NullTime
	)
	if err := row.Scan(
		&txHash, &blockNumber, &blockHash, &blockTime,
		&caller, &oldValue, &newValue, &reason,
		&sender, &execStatus, &finality, &fee,
	); err != nil {
		return model.RawEvent{}, fmt.Errorf("scan event row: %w", err)
	}

	args := map[string]any{"reason": reason}
	if caller.Valid {
		args["caller"] = caller.String
	}
	if oldValue.Valid {
		args["old_value"] = oldValue.String
	}
	if newValue.Valid {
		args["new_value"] = newValue.String
	}

	raw := model.RawEvent{ParsedArgs: args}
	if txHash.Valid {
		raw.Log = &model.RawLog{TransactionHash: txHash.String}
	}
	if blockNumber.Valid || (opts.IncludeBlockMeta && (blockHash.Valid || blockTime.Valid)) {
		raw.Block = &model.RawBlock{}
		if blockNumber.Valid && blockNumber.Int64 >= 0 {
			n := uint64(blockNumber.Int64)
			raw.Block.BlockNumber = &n
		}
		if opts.IncludeBlockMeta {
			raw.Block.BlockHash = blockHash.String
			if blockTime.Valid {
				ts := blockTime.Time.Unix()
				raw.Block.Timestamp = &ts
			}
		}
	}
	if opts.IncludeTxMeta && sender.Valid {
		raw.Transaction = &model.RawTransaction{SenderAddress: sender.String}
	}
	if opts.IncludeReceiptMeta && (execStatus.Valid || finality.Valid || fee.Valid) {
		raw.Receipt = &model.RawReceipt{
			ExecutionStatus: execStatus.String,
			FinalityStatus:  finality.String,
			ActualFee:       fee.String,
		}
	}
	return raw, nil
}
