package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exec struct {
	query string
	args  []any
	ctxOK bool
}

type fakeDB struct {
	execs []exec
	err   error
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, exec{query: query, args: args, ctxOK: ctx.Err() == nil})
	return nil, f.err
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func TestBeginAndFinish(t *testing.T) {
	db := &fakeDB{}
	r := New(db)
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	filters := extractor.Filters{
		Levels: []string{"ERROR"},
		Range:  extractor.DateRange{From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	r.Begin(context.Background(), Run{ID: "run-1", Env: "production", Index: "logs", Filters: filters, StartedAt: started})
	require.Len(t, db.execs, 1)
	ins := db.execs[0]
	assert.Contains(t, ins.query, "INSERT INTO export_runs")
	assert.Equal(t, "run-1", ins.args[0])
	assert.Equal(t, "production", ins.args[1])
	assert.JSONEq(t, `{"levels":["ERROR"],"start":"2024-01-01T00:00:00Z"}`, string(ins.args[3].([]byte)))
	assert.Equal(t, started, ins.args[4])
	assert.Equal(t, statusRunning, ins.args[5])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Finish(ctx, "run-1", "failed", 120, 2, errors.New("boom"))
	require.Len(t, db.execs, 2)
	upd := db.execs[1]
	assert.True(t, upd.ctxOK, "finish runs even after cancellation")
	assert.Contains(t, upd.query, "UPDATE export_runs")
	assert.Equal(t, "failed", upd.args[2])
	assert.Equal(t, 120, upd.args[3])
	assert.Equal(t, 2, upd.args[4])
	assert.Equal(t, sql.NullString{String: "boom", Valid: true}, upd.args[5])
}

func TestFailuresAreSwallowed(t *testing.T) {
	db := &fakeDB{err: errors.New("relation does not exist")}
	r := New(db)
	assert.NotPanics(t, func() {
		r.Begin(context.Background(), Run{ID: "run-1"})
		r.Finish(context.Background(), "run-1", "succeeded", 0, 0, nil)
	})
	assert.Len(t, db.execs, 2)
	assert.Equal(t, sql.NullString{}, db.execs[1].args[5])
}

func TestRecentReportsQueryErrors(t *testing.T) {
	_, err := New(&fakeDB{}).Recent(context.Background(), 5)
	assert.Error(t, err)
}
