package task

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"NUMA-Market/internal/agent"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/storage/mysql/mysqltest"
)

var jobColumnNames = []string{
	"id", "agent_id", "category", "budget", "strategy", "payload", "status", "attempts",
	"max_retries", "last_error", "error_code", "result", "created_at", "updated_at",
}

func jobRow(id, status string, attempts int64, result driver.Value) []driver.Value {
	return []driver.Value{
		id, "agent-1", "weather", "5000", "balanced", `{"city":"Lisbon"}`, status, attempts,
		int64(3), "", "", result, int64(1700000000), int64(1700000100),
	}
}

func fixedStore(t *testing.T, ops ...mysqltest.Op) *MySQLStore {
	store := NewMySQLStore(mysqltest.Open(t, ops...))
	store.now = func() time.Time { return time.Unix(1700000200, 0) }
	return store
}

func TestMySQLStoreCreate(t *testing.T) {
	const insert = `INSERT INTO purchase_jobs
        (id, agent_id, category, budget, strategy, payload, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	store := fixedStore(t,
		mysqltest.Exec(insert, mysqltest.Result{Affected: 1}).
			WithArgs("job-1", "agent-1", "weather", nil, "", nil, "pending", int64(0), int64(3), int64(1700000200), int64(1700000200)),
		mysqltest.Exec(insert, mysqltest.Result{}).WithError(&mysql.MySQLError{Number: 1062, Message: "duplicate"}),
		mysqltest.Exec(insert, mysqltest.Result{}).WithError(errors.New("connection reset")),
	)

	job := &Job{ID: "job-1", AgentID: "agent-1", Category: "weather", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if job.CreatedAt != 1700000200 {
		t.Fatalf("创建时间未回填: %d", job.CreatedAt)
	}
	if err := store.Create(context.Background(), job); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("期望冲突错误，得到 %v", err)
	}
	if err := store.Create(context.Background(), job); !xerrors.IsCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("期望存储错误，得到 %v", err)
	}
	if err := store.Create(context.Background(), &Job{}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("期望参数错误，得到 %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	const claim = `UPDATE purchase_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`
	const get = `SELECT ` + jobColumns + ` FROM purchase_jobs WHERE id = ?`

	store := fixedStore(t,
		mysqltest.Exec(claim, mysqltest.Result{Affected: 1}).WithArgs("running", int64(1700000200), "job-1", "pending"),
		mysqltest.Query(get, mysqltest.Rows{Columns: jobColumnNames, Values: [][]driver.Value{jobRow("job-1", "running", 1, nil)}}),
		mysqltest.Exec(claim, mysqltest.Result{Affected: 0}),
		mysqltest.Query(get, mysqltest.Rows{Columns: jobColumnNames, Values: [][]driver.Value{
			jobRow("job-2", "succeeded", 1, `{"settlement_id":"s-1","success":true,"price":5000}`),
		}}),
		mysqltest.Exec(claim, mysqltest.Result{Affected: 0}),
		mysqltest.Query(get, mysqltest.Rows{Columns: jobColumnNames}),
	)
	ctx := context.Background()

	job, err := store.Claim(ctx, "job-1")
	if err != nil {
		t.Fatalf("Claim 失败: %v", err)
	}
	if job.Status != StatusRunning || job.Attempts != 1 || job.Budget.String() != "5000" || string(job.Payload) != `{"city":"Lisbon"}` {
		t.Fatalf("unexpected job: %+v", job)
	}

	done, err := store.Claim(ctx, "job-2")
	if !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("期望已完成错误，得到 %v", err)
	}
	if done.Result == nil || done.Result.SettlementID != "s-1" || done.Result.Price.Int64() != 5000 {
		t.Fatalf("结果未解析: %+v", done.Result)
	}

	if _, err := store.Claim(ctx, "ghost"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("期望未找到错误，得到 %v", err)
	}
}

func TestMySQLStoreMarkStates(t *testing.T) {
	const succeeded = `UPDATE purchase_jobs SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	const failed = `UPDATE purchase_jobs SET status = ?, last_error = ?, error_code = ?, result = COALESCE(?, result), updated_at = ?
        WHERE id = ?`

	store := fixedStore(t,
		mysqltest.Exec(succeeded, mysqltest.Result{Affected: 1}),
		mysqltest.Exec(failed, mysqltest.Result{Affected: 1}).
			WithArgs("pending", "gateway busy", "PAYMENT_FAILED", nil, int64(1700000200), "job-1"),
		mysqltest.Exec(failed, mysqltest.Result{Affected: 0}),
	)
	ctx := context.Background()

	if err := store.MarkSucceeded(ctx, "job-1", agent.PurchaseResult{SettlementID: "s-1"}); err != nil {
		t.Fatalf("MarkSucceeded 失败: %v", err)
	}
	failure := Failure{Code: xerrors.CodePaymentFailed, Message: "gateway busy"}
	if err := store.MarkFailed(ctx, "job-1", failure); err != nil {
		t.Fatalf("MarkFailed 失败: %v", err)
	}
	failure.Terminal = true
	if err := store.MarkFailed(ctx, "ghost", failure); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("期望未找到错误，得到 %v", err)
	}
}

func TestMySQLStoreListAndStats(t *testing.T) {
	const list = `SELECT ` + jobColumns + ` FROM purchase_jobs
        WHERE status IN (?,?) AND agent_id = ? AND (id LIKE ? OR agent_id LIKE ? OR category LIKE ? OR last_error LIKE ?)
        ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ? OFFSET ?`

	store := fixedStore(t,
		mysqltest.Query(list, mysqltest.Rows{Columns: jobColumnNames, Values: [][]driver.Value{
			jobRow("job-2", "failed", 3, nil),
			jobRow("job-1", "pending", 0, nil),
		}}).WithArgs("pending", "failed", "agent-1", "%weather%", "%weather%", "%weather%", "%weather%", 10, 0),
		mysqltest.Query("", mysqltest.Rows{
			Columns: []string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"},
			Values:  [][]driver.Value{{int64(4), int64(1), int64(1), int64(1), int64(1), int64(10), int64(40)}},
		}),
	)
	ctx := context.Background()

	opts := buildListOptions([]ListOption{
		WithStatuses(StatusPending, StatusFailed),
		WithAgent("agent-1"),
		WithQuery("weather"),
		WithLimit(10),
	})
	jobs, err := store.List(ctx, opts)
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "job-2" || jobs[0].Status != StatusFailed {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("Stats 失败: %v", err)
	}
	if stats.Total != 4 || stats.Failed != 1 || stats.NewestUpdatedAt != 40 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
