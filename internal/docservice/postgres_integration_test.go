package docservice

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	postgresIntegrationCounter uint64

	containerOnce sync.Once
	container     *postgres.PostgresContainer
	containerDSN  string
	containerErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if container != nil {
		if err := testcontainers.TerminateContainer(container); err != nil {
			fmt.Fprintf(os.Stderr, "terminate postgres container: %v\n", err)
		}
	}
	os.Exit(code)
}

func TestPostgresIntegrationRecordStoreTransitions(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()
	store, err := NewPostgresRecordStore(ctx, dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("new postgres record store: %v", err)
	}
	tenant := postgresIntegrationName("tenant")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDeleteTenant(t, dsn, tenant)
	})

	res, err := store.Upsert(ctx, tenant, UpsertRequest{Key: "doc-1", Callback: "https://cb.example/1", BaseURL: "https://docs.example"})
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if !res.IsInsert || res.UserIndex != 1 {
		t.Fatalf("expected insert with user index 1, got %+v", res)
	}
	res, err = store.Upsert(ctx, tenant, UpsertRequest{Key: "doc-1", Callback: "https://cb.example/2"})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if res.IsInsert || res.UserIndex != 2 {
		t.Fatalf("expected existing record with user index 2, got %+v", res)
	}
	// A client index that happens to equal the next stored index is still an update.
	res, err = store.Upsert(ctx, tenant, UpsertRequest{Key: "doc-1", UserIndex: 3})
	if err != nil {
		t.Fatalf("third upsert failed: %v", err)
	}
	if res.IsInsert || res.UserIndex != 3 {
		t.Fatalf("expected existing record with user index 3, got %+v", res)
	}
	rec, err := store.Select(ctx, tenant, "doc-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if rec.Status != StatusNone || len(rec.Callbacks) != 2 || rec.Callbacks[1].UserIndex != 2 || rec.BaseURL != "https://docs.example" {
		t.Fatalf("unexpected record after upserts: %+v", rec)
	}

	stamp := minuteStamp(time.Now())
	n, err := store.UpdateIf(ctx, tenant, "doc-1", RecordUpdate{Status: StatusWaitQueue, StatusInfo: stamp}, MaskStatus(StatusNone))
	if err != nil || n != 1 {
		t.Fatalf("expected claim of None record, n=%d err=%v", n, err)
	}
	n, err = store.UpdateIf(ctx, tenant, "doc-1", RecordUpdate{Status: StatusWaitQueue, StatusInfo: stamp}, MaskStatus(StatusNone))
	if err != nil || n != 0 {
		t.Fatalf("expected second claim to lose, n=%d err=%v", n, err)
	}
	n, err = store.UpdateIf(ctx, tenant, "doc-1", RecordUpdate{Status: StatusOk}, MaskExact(StatusWaitQueue, stamp+1))
	if err != nil || n != 0 {
		t.Fatalf("expected mismatched status info to fail, n=%d err=%v", n, err)
	}
	n, err = store.Update(ctx, tenant, "doc-1", RecordUpdate{Status: StatusOk, StatusInfo: CodeNoError})
	if err != nil || n != 1 {
		t.Fatalf("expected update to apply, n=%d err=%v", n, err)
	}
	n, err = store.Update(ctx, tenant, "doc-1", RecordUpdate{Status: StatusOk, StatusInfo: CodeNoError})
	if err != nil || n != 0 {
		t.Fatalf("expected replayed update to change nothing, n=%d err=%v", n, err)
	}

	n, err = store.RemoveIf(ctx, tenant, "doc-1", MaskStatus(StatusErr))
	if err != nil || n != 0 {
		t.Fatalf("expected masked remove to skip, n=%d err=%v", n, err)
	}
	n, err = store.RemoveIf(ctx, tenant, "doc-1", MaskStatus(StatusOk))
	if err != nil || n != 1 {
		t.Fatalf("expected remove to apply, n=%d err=%v", n, err)
	}
	if _, err := store.Select(ctx, tenant, "doc-1"); err != ErrNotFound {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestPostgresIntegrationRandomKeyRecords(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()
	store, err := NewPostgresRecordStore(ctx, dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("new postgres record store: %v", err)
	}
	tenant := postgresIntegrationName("tenant")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDeleteTenant(t, dsn, tenant)
	})

	first, err := store.InsertRandomKey(ctx, tenant, "doc-2")
	if err != nil {
		t.Fatalf("insert random key failed: %v", err)
	}
	second, err := store.InsertRandomKey(ctx, tenant, "doc-2")
	if err != nil {
		t.Fatalf("insert random key failed: %v", err)
	}
	if first == second || !strings.HasPrefix(first, "doc-2_") {
		t.Fatalf("expected distinct prefixed keys, got %q and %q", first, second)
	}
	rec, err := store.Select(ctx, tenant, first)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if rec.Status != StatusWaitQueue || rec.StatusInfo == 0 {
		t.Fatalf("expected queued random-key record, got %+v", rec)
	}
}

func TestPostgresIntegrationTaskQueueClaimsOnce(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	queue, err := NewPostgresTaskQueue(dsn, "convert", 8)
	if err != nil {
		t.Fatalf("new postgres task queue: %v", err)
	}
	queue.tableName = postgresIntegrationName("relaydoc_queue_it")
	queue.pollInterval = 10 * time.Millisecond
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, queue.tableName)
	})

	if !queue.TryEnqueue(TaskQueueData{Cmd: Command{Command: "open", DocID: "doc-low"}, Priority: PriorityLow}) {
		t.Fatalf("enqueue low failed")
	}
	if !queue.TryEnqueue(TaskQueueData{Cmd: Command{Command: "open", DocID: "doc-high"}, Priority: PriorityHigh}) {
		t.Fatalf("enqueue high failed")
	}
	if !queue.EnqueueAt(context.Background(), TaskQueueData{Cmd: Command{Command: "sfc", DocID: "doc-later"}}, time.Now().Add(time.Hour)) {
		t.Fatalf("enqueue delayed failed")
	}
	if got := queue.Depth(); got != 3 {
		t.Fatalf("expected depth 3, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var (
		mu     sync.Mutex
		seen   []string
		wg     sync.WaitGroup
		claims atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimCtx, claimCancel := context.WithTimeout(ctx, 300*time.Millisecond)
			defer claimCancel()
			task, ok := queue.Dequeue(claimCtx)
			if !ok {
				return
			}
			claims.Add(1)
			mu.Lock()
			seen = append(seen, task.Cmd.DocID)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if claims.Load() != 2 {
		t.Fatalf("expected exactly two due tasks to be claimed, got %v", seen)
	}
	if got := queue.Depth(); got != 1 {
		t.Fatalf("expected delayed task to remain, depth=%d", got)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	if dsn := strings.TrimSpace(os.Getenv("RELAYDOC_TEST_POSTGRES_DSN")); dsn != "" {
		return dsn
	}
	if os.Getenv("RELAYDOC_TEST_CONTAINERS") != "1" {
		t.Skip("set RELAYDOC_TEST_POSTGRES_DSN or RELAYDOC_TEST_CONTAINERS=1 to run Postgres integration tests")
	}
	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		var err error
		container, err = postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("relaydoc"),
			postgres.WithUsername("relaydoc"),
			postgres.WithPassword("relaydoc"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Fatalf("%v", containerErr)
	}
	return containerDSN
}

func postgresIntegrationName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationExec(t *testing.T, dsn, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		t.Fatalf("cleanup %q failed: %v", query, err)
	}
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	postgresIntegrationExec(t, dsn, fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName)))
}

func postgresIntegrationDeleteTenant(t *testing.T, dsn, tenant string) {
	t.Helper()
	postgresIntegrationExec(t, dsn, fmt.Sprintf("DELETE FROM %s WHERE tenant = $1", postgresRecordTable), tenant)
}
