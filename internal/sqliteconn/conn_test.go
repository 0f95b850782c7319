package sqliteconn

import (
	"context"
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/kennethshackleton/selekt-go/internal/metrics"
	"github.com/kennethshackleton/selekt-go/internal/nativesql"
	"github.com/kennethshackleton/selekt-go/internal/selekterr"
)

func openTestConn(t *testing.T, primary, readOnly bool) *Conn {
	t.Helper()
	native, err := nativesql.OpenV2(context.Background(), ":memory:", nativesql.OpenReadWrite|nativesql.OpenCreate, 1000)
	if err != nil {
		t.Fatalf("nativesql.OpenV2: %v", err)
	}
	c := New(native, primary, readOnly, Config{StatementCacheSize: 2})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExecuteOrPreparePositionalBinding(t *testing.T) {
	ctx := context.Background()
	c := openTestConn(t, true, false)

	create, err := c.ExecuteOrPrepare(ctx, "CREATE TABLE t (id INTEGER, name TEXT)", nil, nil)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := create.Exec(ctx); err != nil {
		t.Fatalf("create table Exec: %v", err)
	}
	stmt, err := c.ExecuteOrPrepare(ctx, "INSERT INTO t (id, name) VALUES (?, ?)", nil, []any{1, "alpha"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := stmt.Exec(ctx); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	sel, err := c.ExecuteOrPrepare(ctx, "SELECT name FROM t WHERE id = ?", nil, []any{1})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	has, err := sel.Step(ctx)
	if err != nil || !has {
		t.Fatalf("Step: has=%v err=%v", has, err)
	}
	if got := sel.ColumnText(0); got != "alpha" {
		t.Fatalf("ColumnText(0) = %q, want alpha", got)
	}
}

func TestExecuteOrPrepareNamedBinding(t *testing.T) {
	ctx := context.Background()
	c := openTestConn(t, true, false)
	if create, err := c.ExecuteOrPrepare(ctx, "CREATE TABLE t (id INTEGER, name TEXT)", nil, nil); err == nil {
		create.Exec(ctx)
	}

	ins, err := c.ExecuteOrPrepare(ctx, "INSERT INTO t (id, name) VALUES (:id, :name)",
		map[string]any{":id": int64(7), ":name": "beta"}, nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := ins.Exec(ctx); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	sel, err := c.ExecuteOrPrepare(ctx, "SELECT name FROM t WHERE id = :id", map[string]any{":id": int64(7)}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	has, err := sel.Step(ctx)
	if err != nil || !has {
		t.Fatalf("Step: has=%v err=%v", has, err)
	}
	if got := sel.ColumnText(0); got != "beta" {
		t.Fatalf("ColumnText(0) = %q, want beta", got)
	}
}

func TestExecuteOrPrepareReusesCachedStatement(t *testing.T) {
	ctx := context.Background()
	c := openTestConn(t, true, false)
	if create, err := c.ExecuteOrPrepare(ctx, "CREATE TABLE t (id INTEGER)", nil, nil); err == nil {
		create.Exec(ctx)
	}

	sqlText := "INSERT INTO t (id) VALUES (?)"
	first, err := c.ExecuteOrPrepare(ctx, sqlText, nil, []any{1})
	if err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	first.Exec(ctx)

	second, err := c.ExecuteOrPrepare(ctx, sqlText, nil, []any{2})
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if first != second {
		t.Fatal("expected the cached statement to be reused, not re-prepared")
	}
	if _, err := second.Exec(ctx); err != nil {
		t.Fatalf("second Exec: %v", err)
	}
}

func TestStateTransitionsAndIdleDetection(t *testing.T) {
	c := openTestConn(t, false, true)
	if c.State() != StateIdle {
		t.Fatalf("new connection state = %v, want idle", c.State())
	}
	c.MarkActive()
	if c.State() != StateActive {
		t.Fatalf("state after MarkActive = %v, want active", c.State())
	}
	c.MarkIdle()
	if c.State() != StateIdle {
		t.Fatalf("state after MarkIdle = %v, want idle", c.State())
	}
	if c.IsIdle(0) {
		t.Fatal("idleTimeout <= 0 should disable idle detection")
	}
}

func TestCloseIsIdempotentAndFinalizesCachedStatements(t *testing.T) {
	ctx := context.Background()
	c := openTestConn(t, true, false)
	c.ExecuteOrPrepare(ctx, "CREATE TABLE t (id INTEGER)", nil, nil)
	c.ExecuteOrPrepare(ctx, "INSERT INTO t (id) VALUES (?)", nil, []any{1})

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if _, err := c.ExecuteOrPrepare(ctx, "SELECT 1", nil, nil); err == nil {
		t.Fatal("expected ExecuteOrPrepare on a closed connection to fail")
	}
}

func TestCloseIsVetoedWhileCursorOpen(t *testing.T) {
	ctx := context.Background()
	c := openTestConn(t, true, false)
	if create, err := c.ExecuteOrPrepare(ctx, "CREATE TABLE t (id INTEGER)", nil, nil); err == nil {
		create.Exec(ctx)
	}
	stmt, err := c.ExecuteOrPrepare(ctx, "INSERT INTO t (id) VALUES (?)", nil, []any{1})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	stmt.Exec(ctx)

	sel, err := c.ExecuteOrPrepare(ctx, "SELECT id FROM t", nil, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	c.BeginCursor()
	if _, err := sel.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	err = c.Close()
	if err == nil {
		t.Fatal("expected Close to be vetoed while a cursor is still open")
	}
	var busy *selekterr.ResourceBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected a ResourceBusyError, got %T: %v", err, err)
	}
	if c.State() == StateClosed {
		t.Fatal("a vetoed Close must not transition the connection to closed")
	}

	c.ResetCursor()
	if err := c.Close(); err != nil {
		t.Fatalf("Close after ResetCursor: %v", err)
	}
}

func TestExecuteOrPrepareReportsCacheHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	coll := metrics.New()
	native, err := nativesql.OpenV2(ctx, ":memory:", nativesql.OpenReadWrite|nativesql.OpenCreate, 1000)
	if err != nil {
		t.Fatalf("nativesql.OpenV2: %v", err)
	}
	c := New(native, true, false, Config{StatementCacheSize: 2, Metrics: coll, CacheKey: "test.db"})
	t.Cleanup(func() { c.Close() })

	if create, err := c.ExecuteOrPrepare(ctx, "CREATE TABLE t (id INTEGER)", nil, nil); err == nil {
		create.Exec(ctx)
	}
	sqlText := "INSERT INTO t (id) VALUES (?)"
	if _, err := c.ExecuteOrPrepare(ctx, sqlText, nil, []any{1}); err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	if _, err := c.ExecuteOrPrepare(ctx, sqlText, nil, []any{2}); err != nil {
		t.Fatalf("second prepare: %v", err)
	}

	families, err := coll.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var misses, hits, parses float64
	for _, f := range families {
		switch f.GetName() {
		case "selekt_statement_cache_misses_total":
			misses = sumCounters(f)
		case "selekt_statement_cache_hits_total":
			hits = sumCounters(f)
		case "selekt_parameter_parser_calls_total":
			parses = sumCounters(f)
		}
	}
	// CREATE TABLE and the first INSERT are both misses; the second
	// INSERT reuses the cached statement.
	if misses != 2 {
		t.Errorf("cache misses = %v, want 2", misses)
	}
	if hits != 1 {
		t.Errorf("cache hits = %v, want 1", hits)
	}
	if parses != 2 {
		t.Errorf("parameter parser calls = %v, want 2", parses)
	}
}

func sumCounters(f *dto.MetricFamily) float64 {
	var total float64
	for _, m := range f.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func TestTagIsStableAndPrimaryFlagIsObservable(t *testing.T) {
	c := openTestConn(t, true, false)
	if c.Tag() == "" {
		t.Fatal("expected a non-empty tag")
	}
	if c.Tag() != c.Tag() {
		t.Fatal("Tag() must be stable across calls")
	}
	if !c.IsPrimary() {
		t.Fatal("expected IsPrimary() to reflect the constructor argument")
	}
}
