package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/big"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-sql-driver/mysql"

	"NUMA-Market/internal/account"
	"NUMA-Market/internal/catalog"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/reputation"
	"NUMA-Market/internal/settlement"
	"NUMA-Market/internal/storage/mysql/mysqltest"
)

const createSchemaMigrations = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

func TestMigrateAppliesPendingVersions(t *testing.T) {
	files := fstest.MapFS{
		"0001_market.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"0002_jobs.sql":   {Data: []byte("CREATE TABLE b (id INT);\nCREATE INDEX idx_b ON b (id);\n")},
		"README.md":       {Data: []byte("not a migration")},
	}
	db := mysqltest.Open(t,
		mysqltest.Exec(createSchemaMigrations, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{
			Columns: []string{"version"},
			Values:  [][]driver.Value{{"0001"}},
		}),
		mysqltest.Begin(),
		mysqltest.Exec(`CREATE TABLE b (id INT)`, mysqltest.Result{}),
		mysqltest.Exec(`CREATE INDEX idx_b ON b (id)`, mysqltest.Result{}),
		mysqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mysqltest.Result{Affected: 1}),
		mysqltest.Commit(),
	)

	if err := migrate(context.Background(), db, files); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	files := fstest.MapFS{"0001_market.sql": {Data: []byte("CREATE TABLE a (id INT);")}}
	db := mysqltest.Open(t,
		mysqltest.Exec(createSchemaMigrations, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{Columns: []string{"version"}}),
		mysqltest.Begin(),
		mysqltest.Exec(`CREATE TABLE a (id INT)`, mysqltest.Result{}).WithError(errors.New("syntax error")),
		mysqltest.Rollback(),
	)

	err := migrate(context.Background(), db, files)
	if !xerrors.IsCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("期望存储错误，得到 %v", err)
	}
}

func TestStoreListings(t *testing.T) {
	columns := []string{
		"provider_id", "api_id", "name", "description", "category", "endpoint", "endpoint_type", "pay_to",
		"price", "reputation", "active", "calls", "successful_calls", "earnings", "created_at", "updated_at",
	}
	db := mysqltest.Open(t,
		mysqltest.Exec("", mysqltest.Result{Affected: 1}).WithArgs(
			"weather-co", "forecast", "Forecast", "", "weather", "https://weather.example", "rest-api", "",
			"500000", 90.0, 1, uint64(3), uint64(2), "1000000", int64(10), int64(20),
		),
		mysqltest.Query("", mysqltest.Rows{Columns: columns, Values: [][]driver.Value{{
			"weather-co", "forecast", "Forecast", "", "weather", "https://weather.example", "rest-api", "",
			[]byte("500000"), 90.0, int64(0), int64(3), int64(2), []byte("1000000"), int64(10), int64(20),
		}}}),
	)
	store := NewStore(db)
	ctx := context.Background()

	listing := catalog.Listing{
		ProviderID:   "weather-co",
		APIID:        "forecast",
		Name:         "Forecast",
		Category:     "weather",
		Endpoint:     "https://weather.example",
		EndpointType: catalog.EndpointREST,
		Price:        big.NewInt(500000),
		Reputation:   90,
		Active:       true,
		Stats:        catalog.Stats{Calls: 3, SuccessfulCalls: 2, Earnings: big.NewInt(1000000)},
		CreatedAt:    10,
		UpdatedAt:    20,
	}
	if err := store.PutListing(ctx, listing); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	listings, err := store.ListListings(ctx)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("期望 1 条记录，实际 %d", len(listings))
	}
	got := listings[0]
	if got.ID() != listing.ID() || got.Price.Cmp(listing.Price) != 0 || got.Stats.Earnings.Int64() != 1000000 {
		t.Fatalf("unexpected listing: %+v", got)
	}
	if got.Active || got.EndpointType != catalog.EndpointREST || got.Stats.SuccessfulCalls != 2 {
		t.Fatalf("unexpected listing flags: %+v", got)
	}
}

func TestStoreAgentsAndScores(t *testing.T) {
	db := mysqltest.Open(t,
		mysqltest.Exec("", mysqltest.Result{Affected: 1}).WithArgs("agent-1", "Alice", 80.0, "balanced", "1000", int64(5), int64(7000)),
		mysqltest.Query("", mysqltest.Rows{
			Columns: []string{"id", "name", "min_reputation", "strategy", "balance", "created_at"},
			Values:  [][]driver.Value{{"agent-1", "Alice", 80.0, "balanced", []byte("1000"), int64(5)}},
		}),
		mysqltest.Exec("", mysqltest.Result{Affected: 1}).WithArgs("weather-co", 91.0, uint64(4), uint64(1), int64(3000)),
		mysqltest.Query("", mysqltest.Rows{
			Columns: []string{"provider_id", "score", "successes", "failures", "updated_at"},
			Values:  [][]driver.Value{{"weather-co", 91.0, int64(4), int64(1), int64(3000)}},
		}),
	)
	store := NewStore(db)
	store.now = func() time.Time { return time.UnixMilli(7000) }
	ctx := context.Background()

	state := account.State{
		Profile: account.Profile{ID: "agent-1", Name: "Alice", MinReputation: 80, Strategy: "balanced", CreatedAt: 5},
		Balance: big.NewInt(1000),
	}
	if err := store.PutAgent(ctx, state); err != nil {
		t.Fatalf("写入智能体失败: %v", err)
	}
	agents, err := store.ListAgents(ctx)
	if err != nil || len(agents) != 1 || agents[0].Balance.Int64() != 1000 || agents[0].Strategy != "balanced" {
		t.Fatalf("unexpected agents: %+v %v", agents, err)
	}

	score := reputation.Score{ProviderID: "weather-co", Score: 91, Successes: 4, Failures: 1, UpdatedAt: time.UnixMilli(3000)}
	if err := store.PutScore(ctx, score); err != nil {
		t.Fatalf("写入信誉失败: %v", err)
	}
	scores, err := store.ListScores(ctx)
	if err != nil || len(scores) != 1 || scores[0].Score != 91 || !scores[0].UpdatedAt.Equal(score.UpdatedAt) {
		t.Fatalf("unexpected scores: %+v %v", scores, err)
	}
}

func TestStoreRecords(t *testing.T) {
	duplicate := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	db := mysqltest.Open(t,
		mysqltest.Exec("", mysqltest.Result{Affected: 1}),
		mysqltest.Exec("", mysqltest.Result{}).WithError(duplicate),
		mysqltest.Query(`SELECT `+recordColumns+` FROM settlement_records
                WHERE agent_id = ? AND provider_id = ? ORDER BY created_at DESC, settlement_id DESC LIMIT ?`,
			mysqltest.Rows{
				Columns: []string{"settlement_id", "agent_id", "provider_id", "api_id", "price", "success",
					"error_code", "detail", "reference", "tx_hash", "elapsed_ms", "created_at"},
				Values: [][]driver.Value{{
					"s-1", "agent-1", "weather-co", "forecast", []byte("500000"), int64(1),
					"", "", "ref-1", "", int64(12), int64(1700000000000),
				}},
			}).WithArgs("agent-1", "weather-co", 5),
		mysqltest.Query("", mysqltest.Rows{}).WithArgs(defaultRecordLimit),
	)
	store := NewStore(db)
	ctx := context.Background()

	record := settlement.Record{
		SettlementID: "s-1",
		AgentID:      "agent-1",
		ProviderID:   "weather-co",
		APIID:        "forecast",
		Price:        big.NewInt(500000),
		Success:      true,
		Reference:    "ref-1",
		Timestamp:    1700000000000,
		ElapsedMs:    12,
	}
	if err := store.Append(ctx, record); err != nil {
		t.Fatalf("写入结算记录失败: %v", err)
	}
	if err := store.Append(ctx, record); !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("期望冲突错误，得到 %v", err)
	}

	records, err := store.List(ctx, settlement.Filter{AgentID: "agent-1", ProviderID: "weather-co", Limit: 5})
	if err != nil {
		t.Fatalf("查询结算记录失败: %v", err)
	}
	if len(records) != 1 || !records[0].Success || records[0].Price.Int64() != 500000 || records[0].Reference != "ref-1" {
		t.Fatalf("unexpected records: %+v", records)
	}

	empty, err := store.List(ctx, settlement.Filter{})
	if err != nil || len(empty) != 0 {
		t.Fatalf("unexpected empty result: %+v %v", empty, err)
	}
}
