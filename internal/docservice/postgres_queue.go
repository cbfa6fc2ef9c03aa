package docservice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTaskQueueTable    = "relaydoc_task_queue"
	postgresDefaultQueueKey   = "convert"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 50 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresTaskQueue stores tasks in a shared table so several instances can
// claim work with FOR UPDATE SKIP LOCKED. queueKey separates the conversion
// queue from the result queue inside the same table.
type PostgresTaskQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTaskQueue(dsn, queueKey string, capacity int) (*PostgresTaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresDefaultQueueKey
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresTaskQueue{
		dsn:          dsn,
		tableName:    postgresTaskQueueTable,
		queueKey:     queueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresTaskQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(q.tableName)
		stmts := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					queue_key TEXT NOT NULL,
					priority SMALLINT NOT NULL DEFAULT 0,
					not_before TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					payload TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, priority DESC, id)",
				postgresQuoteIdentifier(q.tableName+"_claim_idx"), table),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresTaskQueue) TryEnqueue(task TaskQueueData) bool {
	return q.tryInsert(task, task.NotBefore)
}

func (q *PostgresTaskQueue) Enqueue(ctx context.Context, task TaskQueueData) bool {
	return q.EnqueueAt(ctx, task, task.NotBefore)
}

func (q *PostgresTaskQueue) EnqueueAt(ctx context.Context, task TaskQueueData, notBefore time.Time) bool {
	for {
		if q.tryInsert(task, notBefore) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresTaskQueue) tryInsert(task TaskQueueData, notBefore time.Time) bool {
	if q == nil || strings.TrimSpace(task.Cmd.DocID) == "" {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	task.NotBefore = notBefore
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	var depth int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", table), q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insert := fmt.Sprintf("INSERT INTO %s (queue_key, priority, not_before, payload, created_at) VALUES ($1, $2, $3, $4, NOW())", table)
	if _, err := tx.ExecContext(ctx, insert, q.queueKey, int(task.Priority), notBefore.UTC(), string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresTaskQueue) Dequeue(ctx context.Context) (TaskQueueData, bool) {
	if q == nil {
		return TaskQueueData{}, false
	}
	for {
		payload, ok := q.tryClaim(ctx)
		if ok {
			var task TaskQueueData
			if err := json.Unmarshal([]byte(payload), &task); err == nil && task.Cmd.DocID != "" {
				return task, true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return TaskQueueData{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresTaskQueue) tryClaim(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1 AND not_before <= NOW()
		ORDER BY priority DESC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, table)
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return "", false
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *PostgresTaskQueue) Depth() int {
	if q == nil {
		return 0
	}
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresTaskQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
