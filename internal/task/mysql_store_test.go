package task

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/executor"
)

const claimSQL = `UPDATE plan_runs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`

func insertRunSQL() string {
	return `INSERT INTO plan_runs
        (id, summary, profile, request, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
}

func getRunSQL() string {
	return `SELECT ` + selectColumns + ` FROM plan_runs WHERE id = ?`
}

func runColumns() []string {
	return []string{"id", "summary", "profile", "request", "status", "attempts", "max_retries", "last_error", "error_code", "result", "created_at", "updated_at"}
}

func runRow(id string, status Status, attempts, maxRetries int64) []driver.Value {
	return []driver.Value{
		id, "onboard alice", "il5",
		`{"apply":true,"steps":[{"tool":"azure.create_rg","args":{"name":"rg"}}]}`,
		string(status), attempts, maxRetries, nil, nil, nil, int64(10), int64(10),
	}
}

func TestMySQLStoreInitSchemaRunsOnce(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{execOp(runSchema, mockResult{})})
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := (&MySQLStore{db: db}).initSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
}

func TestMySQLStoreCreate(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertRunSQL(), mockResult{rowsAffected: 1}),
		{typ: opExec, query: insertRunSQL(), err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
		{typ: opExec, query: insertRunSQL(), err: errors.New("connection reset")},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	run := &Task{ID: "run-1", Summary: "onboard", Profile: "il5", Status: StatusPending, MaxRetries: 3,
		Request: executor.Request{Steps: []executor.StepInput{{Tool: "azure.create_rg"}}}}
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	got := drv.ops[0].got
	if len(got) != 9 || got[0] != "run-1" || got[2] != "il5" || got[4] != "pending" || got[6] != int64(3) {
		t.Fatalf("unexpected insert args: %v", got)
	}
	if run.CreatedAt == 0 || run.UpdatedAt != run.CreatedAt {
		t.Fatalf("timestamps should be stamped: %+v", run)
	}

	if err := store.Create(context.Background(), &Task{ID: "run-1"}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("duplicate key should map to conflict, got %v", err)
	}
	if err := store.Create(context.Background(), &Task{ID: "run-2"}); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("driver failure should be a storage failure, got %v", err)
	}
	if err := store.Create(context.Background(), &Task{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty id should be rejected before the query, got %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		affected int64
		row      []driver.Value
		wantErr  error
	}{
		{"claimed", 1, runRow("run-1", StatusRunning, 1, 3), nil},
		{"completed", 0, runRow("run-1", StatusSucceeded, 1, 3), ErrTaskCompleted},
		{"already running", 0, runRow("run-1", StatusRunning, 1, 3), ErrTaskConflict},
		{"exhausted", 0, runRow("run-1", StatusPending, 3, 3), ErrTaskExhausted},
		{"pending race", 0, runRow("run-1", StatusPending, 1, 3), ErrTaskConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db, drv := newMockDB(t, []mockOperation{
				execOp(claimSQL, mockResult{rowsAffected: tt.affected}),
				queryOp(getRunSQL(), mockRowsData{columns: runColumns(), values: [][]driver.Value{tt.row}}),
			})
			defer drv.assertConsumed(t)
			defer db.Close()

			run, err := (&MySQLStore{db: db}).Claim(context.Background(), "run-1")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("claim: %v", err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Fatalf("claim error = %v, want %v", err, tt.wantErr)
			}
			if run == nil || run.ID != "run-1" || run.Profile != "il5" || run.Request.Steps[0].Tool != "azure.create_rg" {
				t.Fatalf("claim should return the stored run: %+v", run)
			}
			if args := drv.ops[0].got; args[0] != "running" || args[2] != "run-1" || args[3] != "pending" {
				t.Fatalf("unexpected claim args: %v", args)
			}
		})
	}
}

func TestMySQLStoreGetNotFound(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(getRunSQL(), mockRowsData{columns: runColumns()}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if _, err := (&MySQLStore{db: db}).Get(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreMarkFailedKeepsResultWhenAbsent(t *testing.T) {
	t.Parallel()

	const markFailedSQL = `UPDATE plan_runs SET status = ?, last_error = ?, error_code = ?, result = COALESCE(?, result), updated_at = ? WHERE id = ?`
	db, drv := newMockDB(t, []mockOperation{
		execOp(markFailedSQL, mockResult{rowsAffected: 1}),
		execOp(markFailedSQL, mockResult{rowsAffected: 1}),
		execOp(markFailedSQL, mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	ctx := context.Background()
	if err := store.MarkFailed(ctx, "run-1", xerrors.CodeUpstreamUnavailable, "down", nil, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	retry := drv.ops[0].got
	if retry[0] != "pending" || retry[2] != "UPSTREAM_UNAVAILABLE" || retry[3] != nil {
		t.Fatalf("retry should go back to pending without touching result: %v", retry)
	}

	record := &ExecutionResult{RunStatus: executor.StatusStopped, Reason: "denied"}
	if err := store.MarkFailed(ctx, "run-1", xerrors.CodePolicyDenied, "denied", record, true); err != nil {
		t.Fatalf("mark failed terminal: %v", err)
	}
	terminal := drv.ops[1].got
	encoded, _ := terminal[3].(string)
	if terminal[0] != "failed" || terminal[2] != "POLICY_DENIED" || !strings.Contains(encoded, `"run_status":"stopped"`) {
		t.Fatalf("terminal failure should persist the result: %v", terminal)
	}

	if err := store.MarkFailed(ctx, "gone", xerrors.CodeTimeout, "", nil, true); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("zero rows should be not found, got %v", err)
	}
}

func TestMySQLStoreListBuildsFilter(t *testing.T) {
	t.Parallel()

	query := `SELECT ` + selectColumns + ` FROM plan_runs WHERE status IN (?) AND profile = ? AND error_code IN (?,?)
        AND (id LIKE ? OR summary LIKE ? OR profile LIKE ? OR last_error LIKE ?)
        ORDER BY updated_at ASC, created_at ASC, id ASC LIMIT ? OFFSET ?`
	db, drv := newMockDB(t, []mockOperation{
		queryOp(query, mockRowsData{columns: runColumns(), values: [][]driver.Value{
			runRow("run-1", StatusFailed, 1, 3),
			runRow("run-2", StatusFailed, 2, 3),
		}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	runs, err := (&MySQLStore{db: db}).List(context.Background(), ListOptions{
		Limit:      5,
		Statuses:   []Status{StatusFailed, "bogus"},
		Profile:    " IL5 ",
		ErrorCodes: []string{"policy_denied", "RUN_STOPPED"},
		Query:      "vm",
		Order:      SortByUpdatedAsc,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[1].ID != "run-2" || runs[1].Attempts != 2 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	want := []any{"failed", "il5", "POLICY_DENIED", "RUN_STOPPED", "%vm%", "%vm%", "%vm%", "%vm%", int64(5), int64(0)}
	if got := drv.ops[0].got; !reflect.DeepEqual(got, want) {
		t.Fatalf("list args = %v, want %v", got, want)
	}
}

func TestBuildFilterClause(t *testing.T) {
	hasResult := true
	clause, args := buildFilterClause(ListOptions{UpdatedGTE: 5, UpdatedLTE: 9, HasResult: &hasResult})
	if clause != "updated_at >= ? AND updated_at <= ? AND (result IS NOT NULL AND result <> '')" {
		t.Fatalf("unexpected clause %q", clause)
	}
	if !reflect.DeepEqual(args, []any{int64(5), int64(9)}) {
		t.Fatalf("unexpected args %v", args)
	}
	if clause, args := buildFilterClause(ListOptions{}); clause != "" || args != nil {
		t.Fatalf("empty options should not filter: %q %v", clause, args)
	}
}

func TestMySQLStoreStatsFailuresByCode(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp("", mockRowsData{
			columns: []string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"},
			values:  [][]driver.Value{{int64(6), int64(1), int64(0), int64(2), int64(3), int64(10), int64(40)}},
		}),
		queryOp(`SELECT COALESCE(error_code, ''), COUNT(*) FROM plan_runs WHERE status IN (?) AND profile = ? GROUP BY error_code`, mockRowsData{
			columns: []string{"error_code", "count"},
			values: [][]driver.Value{
				{"POLICY_DENIED", int64(2)},
				{"", int64(1)},
			},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	stats, err := (&MySQLStore{db: db}).Stats(context.Background(), ListOptions{Profile: "il5"})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 6 || stats.Failed != 3 || stats.NewestUpdatedAt != 40 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if !reflect.DeepEqual(stats.FailuresByCode, map[string]int{"POLICY_DENIED": 2, "UNKNOWN": 1}) {
		t.Fatalf("unexpected failures by code: %v", stats.FailuresByCode)
	}
	first := drv.ops[0].got
	if !reflect.DeepEqual(first, []any{"pending", "running", "succeeded", "failed", "il5"}) {
		t.Fatalf("unexpected stats args: %v", first)
	}
	if second := drv.ops[1].got; !reflect.DeepEqual(second, []any{"failed", "il5"}) {
		t.Fatalf("failure breakdown should be limited to failed runs: %v", second)
	}
}

func TestMySQLStoreStatsSkipsBreakdownWithoutFailures(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp("", mockRowsData{
			columns: []string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"},
			values:  [][]driver.Value{{int64(1), int64(0), int64(0), int64(1), int64(0), int64(10), int64(10)}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	stats, err := (&MySQLStore{db: db}).Stats(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != 1 || stats.FailuresByCode != nil {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
	got    []any
}

type mockResult struct {
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return 0, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-plan-runs-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (c *mockConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) next(expected operationType, query string, args []driver.NamedValue) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v %s", expected, query)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	op.got = make([]any, len(args))
	for i, arg := range args {
		op.got[i] = arg.Value
	}
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
