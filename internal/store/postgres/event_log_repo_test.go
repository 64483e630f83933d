package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/counterwatch/internal/chain"
	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/pipeline/normalizer"
)

// ---------------------------------------------------------------------------
// Fake driver infrastructure (per-test isolation)
// ---------------------------------------------------------------------------

var fakeDriverSeq atomic.Int64

type queryHandler func(query string, args []driver.Value) (driver.Rows, error)

type fakeDriver struct{ conn *fakeConn }
type fakeConn struct{ handler queryHandler }
type fakeTx struct{}

func (d *fakeDriver) Open(string) (driver.Conn, error) { return d.conn, nil }
func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{conn: c, query: query}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return &fakeTx{}, nil }
func (tx *fakeTx) Commit() error              { return nil }
func (tx *fakeTx) Rollback() error            { return nil }

type fakeStmt struct {
	conn  *fakeConn
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }
func (s *fakeStmt) Exec([]driver.Value) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	if s.conn.handler != nil {
		return s.conn.handler(s.query, args)
	}
	return &dataRows{columns: eventRowColumns}, nil
}

type dataRows struct {
	columns []string
	data    [][]driver.Value
	idx     int
}

func (r *dataRows) Columns() []string { return r.columns }
func (r *dataRows) Close() error      { return nil }
func (r *dataRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.idx])
	r.idx++
	return nil
}

var eventRowColumns = []string{
	"tx_hash", "block_number", "block_hash", "block_timestamp",
	"caller", "old_value", "new_value", "reason",
	"sender_address", "execution_status", "finality_status", "actual_fee",
}

func openFakeDB(t *testing.T, handler queryHandler) *DB {
	t.Helper()
	name := fmt.Sprintf("fake_counterwatch_%d", fakeDriverSeq.Add(1))
	sql.Register(name, &fakeDriver{conn: &fakeConn{handler: handler}})
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &DB{db}
}

func eventRow(hash any, block any, reason string) []driver.Value {
	return []driver.Value{
		hash, block, "0xbeef", time.Unix(1_700_000_000, 0).UTC(),
		"0xabc", "5", "6", reason,
		"0xsender", "SUCCEEDED", "ACCEPTED_ON_L2", "1200",
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFetchEvents_EmptyResult(t *testing.T) {
	repo := NewEventLogRepo(openFakeDB(t, nil), model.ChainStarknet, "0x1")

	events, err := repo.FetchEvents(context.Background(), 0, chain.AllMeta())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "postgres", repo.Source())
}

func TestFetchEvents_MapsRowsToRawEvents(t *testing.T) {
	var gotQuery string
	var gotArgs []driver.Value
	db := openFakeDB(t, func(query string, args []driver.Value) (driver.Rows, error) {
		gotQuery, gotArgs = query, args
		return &dataRows{columns: eventRowColumns, data: [][]driver.Value{
			eventRow("0x0a", int64(5), "Increase"),
			eventRow(nil, nil, "Bogus"),
		}}, nil
	})
	repo := NewEventLogRepo(db, model.ChainStarknet, "0x1")

	events, err := repo.FetchEvents(context.Background(), 0, chain.AllMeta())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Contains(t, gotQuery, "FROM counter_changed_events")
	assert.Equal(t, []driver.Value{"starknet", "0x1", int64(0)}, gotArgs)

	first := events[0]
	assert.Equal(t, "0x0a", first.TransactionHash())
	require.NotNil(t, first.Block)
	assert.Equal(t, uint64(5), *first.Block.BlockNumber)
	assert.Equal(t, "0xbeef", first.Block.BlockHash)
	assert.Equal(t, int64(1_700_000_000), *first.Block.Timestamp)
	assert.Equal(t, "0xsender", first.Transaction.SenderAddress)
	assert.Equal(t, "SUCCEEDED", first.Receipt.ExecutionStatus)

	ev := normalizer.ToChangeEvent(model.ChainStarknet, first)
	assert.Equal(t, "0xa", ev.TransactionHash)
	assert.Equal(t, model.ReasonIncrease, ev.Reason)
	assert.Equal(t, "5", ev.OldValue.String())
	assert.Equal(t, "6", ev.NewValue.String())

	second := normalizer.ToChangeEvent(model.ChainStarknet, events[1])
	assert.Empty(t, second.TransactionHash)
	assert.Nil(t, second.BlockNumber)
	assert.Equal(t, model.ReasonUnknown, second.Reason)
}

func TestFetchEvents_OmitsMetaWhenNotRequested(t *testing.T) {
	db := openFakeDB(t, func(string, []driver.Value) (driver.Rows, error) {
		return &dataRows{columns: eventRowColumns, data: [][]driver.Value{
			eventRow("0x0b", int64(9), "Reset"),
		}}, nil
	})
	repo := NewEventLogRepo(db, model.ChainEthereum, "0x2")

	events, err := repo.FetchEvents(context.Background(), 9, chain.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	raw := events[0]
	require.NotNil(t, raw.Block)
	assert.Equal(t, uint64(9), *raw.Block.BlockNumber)
	assert.Empty(t, raw.Block.BlockHash)
	assert.Nil(t, raw.Block.Timestamp)
	assert.Nil(t, raw.Transaction)
	assert.Nil(t, raw.Receipt)
}

func TestFetchEvents_QueryError(t *testing.T) {
	db := openFakeDB(t, func(string, []driver.Value) (driver.Rows, error) {
		return nil, errors.New("relation does not exist")
	})
	repo := NewEventLogRepo(db, model.ChainStarknet, "0x1")

	_, err := repo.FetchEvents(context.Background(), 12, chain.AllMeta())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from block 12")
	assert.Contains(t, err.Error(), "relation does not exist")
}

func TestHeadBlock(t *testing.T) {
	tests := []struct {
		name string
		row  driver.Value
		want uint64
	}{
		{name: "no rows", row: nil, want: 0},
		{name: "max block", row: int64(42), want: 42},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db := openFakeDB(t, func(query string, _ []driver.Value) (driver.Rows, error) {
				require.True(t, strings.Contains(query, "MAX(block_number)"))
				return &dataRows{columns: []string{"max"}, data: [][]driver.Value{{tc.row}}}, nil
			})
			head, err := NewEventLogRepo(db, model.ChainStarknet, "0x1").HeadBlock(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, head)
		})
	}
}

func TestCurrentValue(t *testing.T) {
	tests := []struct {
		name    string
		rows    [][]driver.Value
		want    string
		wantErr string
	}{
		{name: "latest new value", rows: [][]driver.Value{{"17"}}, want: "17"},
		{name: "no events", rows: nil, wantErr: "no indexed events"},
		{name: "malformed", rows: [][]driver.Value{{"x"}}, wantErr: "malformed new_value"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db := openFakeDB(t, func(query string, args []driver.Value) (driver.Rows, error) {
				assert.Contains(t, query, "ORDER BY block_number DESC")
				assert.Equal(t, []driver.Value{"starknet", "0x1"}, args)
				return &dataRows{columns: []string{"new_value"}, data: tc.rows}, nil
			})
			v, err := NewEventLogRepo(db, model.ChainStarknet, "0x1").CurrentValue(context.Background())
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.String())
		})
	}
}

func TestOwnerUnsupported(t *testing.T) {
	_, err := NewEventLogRepo(openFakeDB(t, nil), model.ChainStarknet, "0x1").Owner(context.Background())
	assert.ErrorIs(t, err, chain.ErrUnsupported)
}
