package docservice

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

const postgresRecordTable = "task_result"

//go:embed migrations/*.sql
var recordMigrations embed.FS

type PostgresRecordStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPostgresRecordStore(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresRecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	logger = logger.With().Str("component", "record_store").Logger()
	if err := runRecordMigrations(dsn, logger); err != nil {
		return nil, fmt.Errorf("docservice: migrations: %w", err)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("docservice: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("docservice: open pool: %w", err)
	}
	return &PostgresRecordStore{pool: pool, logger: logger}, nil
}

func runRecordMigrations(dsn string, logger zerolog.Logger) error {
	sqldb, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("sql.Open pgx: %w", err)
	}
	defer sqldb.Close()

	driver, err := migratepostgres.WithInstance(sqldb, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	src, err := iofs.New(recordMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug().Msg("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info().Msg("migrations applied")
	return nil
}

func (s *PostgresRecordStore) qb() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func (s *PostgresRecordStore) Select(ctx context.Context, tenant, key string) (DocumentRecord, error) {
	query, args, err := s.qb().Select(
		"tenant", "id", "status", "status_info", "created_at", "last_open_date",
		"user_index", "change_id", "callback", "baseurl", "password", "additional",
	).From(postgresRecordTable).Where(sq.Eq{"tenant": tenant, "id": key}).ToSql()
	if err != nil {
		return DocumentRecord{}, err
	}
	var (
		rec                       DocumentRecord
		status                    int16
		userIndex                 int32
		callbacks, pwd, additional []byte
	)
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&rec.Tenant, &rec.Key, &status, &rec.StatusInfo, &rec.CreatedAt, &rec.LastOpenDate,
		&userIndex, &rec.OriginFormat, &callbacks, &rec.BaseURL, &pwd, &additional,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DocumentRecord{}, ErrNotFound
	}
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("docservice: select %s: %w", key, err)
	}
	rec.Status = FileStatus(status)
	rec.UserIndex = int(userIndex)
	if err := json.Unmarshal(callbacks, &rec.Callbacks); err != nil {
		return DocumentRecord{}, fmt.Errorf("docservice: decode callbacks: %w", err)
	}
	if err := json.Unmarshal(pwd, &rec.Password); err != nil {
		return DocumentRecord{}, fmt.Errorf("docservice: decode password: %w", err)
	}
	if err := json.Unmarshal(additional, &rec.Additional); err != nil {
		return DocumentRecord{}, fmt.Errorf("docservice: decode additional: %w", err)
	}
	return rec, nil
}

// Upsert inserts a fresh record or bumps user_index on an existing one. The
// insert path is detected by the returned index matching the requested one.
func (s *PostgresRecordStore) Upsert(ctx context.Context, tenant string, req UpsertRequest) (UpsertResult, error) {
	if strings.TrimSpace(req.Key) == "" {
		return UpsertResult{}, ErrInvalidInput
	}
	userIndex := req.UserIndex
	if userIndex <= 0 {
		userIndex = 1
	}
	initial := []UserCallback{}
	if req.Callback != "" {
		initial = append(initial, UserCallback{UserIndex: userIndex, Callback: req.Callback})
	}
	initialJSON, err := json.Marshal(initial)
	if err != nil {
		return UpsertResult{}, err
	}
	now := time.Now().UTC()
	query, args, err := s.qb().Insert(postgresRecordTable).
		Columns("tenant", "id", "status", "status_info", "created_at", "last_open_date", "user_index", "change_id", "callback", "baseurl").
		Values(tenant, req.Key, int16(StatusNone), int64(CodeNoError), now, now, userIndex, req.OriginFormat, string(initialJSON), req.BaseURL).
		Suffix(`ON CONFLICT (tenant, id) DO UPDATE SET
			last_open_date = EXCLUDED.last_open_date,
			callback = CASE WHEN ?::text = '' THEN task_result.callback
				ELSE task_result.callback || jsonb_build_array(jsonb_build_object('userIndex', task_result.user_index + 1, 'callback', ?::text)) END,
			baseurl = COALESCE(NULLIF(EXCLUDED.baseurl, ''), task_result.baseurl),
			user_index = task_result.user_index + 1
			RETURNING user_index, (xmax = 0) AS inserted`, req.Callback, req.Callback).
		ToSql()
	if err != nil {
		return UpsertResult{}, err
	}
	var (
		returned int32
		inserted bool
	)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&returned, &inserted); err != nil {
		return UpsertResult{}, fmt.Errorf("docservice: upsert %s: %w", req.Key, err)
	}
	s.logger.Debug().Str("key", req.Key).Int32("userIndex", returned).Bool("inserted", inserted).Msg("upsert")
	return UpsertResult{IsInsert: inserted, UserIndex: int(returned)}, nil
}

func (s *PostgresRecordStore) Update(ctx context.Context, tenant, key string, upd RecordUpdate) (int64, error) {
	changed := sq.Or{
		sq.Expr("status IS DISTINCT FROM ?", int16(upd.Status)),
		sq.Expr("status_info IS DISTINCT FROM ?", upd.StatusInfo),
	}
	if upd.Password != "" {
		changed = append(changed, sq.Expr("password->>'current' IS DISTINCT FROM ?::text", upd.Password))
	}
	if upd.Callback != "" || upd.BaseURL != "" {
		changed = append(changed, sq.Expr("TRUE"))
	}
	builder := s.updateBuilder(upd).Where(sq.Eq{"tenant": tenant, "id": key}).Where(changed)
	return s.exec(ctx, "update", key, builder)
}

func (s *PostgresRecordStore) UpdateIf(ctx context.Context, tenant, key string, upd RecordUpdate, mask RecordMask) (int64, error) {
	builder := s.updateBuilder(upd).Where(sq.Eq{"tenant": tenant, "id": key}).Where(maskPredicate(mask))
	return s.exec(ctx, "updateIf", key, builder)
}

func (s *PostgresRecordStore) RemoveIf(ctx context.Context, tenant, key string, mask RecordMask) (int64, error) {
	builder := s.qb().Delete(postgresRecordTable).Where(sq.Eq{"tenant": tenant, "id": key}).Where(maskPredicate(mask))
	return s.exec(ctx, "removeIf", key, builder)
}

func (s *PostgresRecordStore) InsertRandomKey(ctx context.Context, tenant, docID string) (string, error) {
	if strings.TrimSpace(docID) == "" {
		return "", ErrInvalidInput
	}
	now := time.Now().UTC()
	for {
		key := docID + "_" + uuid.NewString()
		builder := s.qb().Insert(postgresRecordTable).
			Columns("tenant", "id", "status", "status_info", "created_at", "last_open_date").
			Values(tenant, key, int16(StatusWaitQueue), minuteStamp(now), now, now).
			Suffix("ON CONFLICT (tenant, id) DO NOTHING")
		affected, err := s.exec(ctx, "insertRandomKey", key, builder)
		if err != nil {
			return "", err
		}
		if affected > 0 {
			return key, nil
		}
	}
}

func (s *PostgresRecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresRecordStore) updateBuilder(upd RecordUpdate) sq.UpdateBuilder {
	builder := s.qb().Update(postgresRecordTable).
		Set("status", int16(upd.Status)).
		Set("status_info", upd.StatusInfo)
	if upd.Password != "" {
		builder = builder.Set("password", sq.Expr(
			"jsonb_build_object('initial', COALESCE(NULLIF(password->>'initial', ''), ?::text), 'current', ?::text)",
			upd.Password, upd.Password,
		))
	}
	if upd.Callback != "" {
		builder = builder.Set("callback", sq.Expr(
			"callback || jsonb_build_array(jsonb_build_object('userIndex', user_index, 'callback', ?::text))",
			upd.Callback,
		))
	}
	if upd.BaseURL != "" {
		builder = builder.Set("baseurl", upd.BaseURL)
	}
	return builder
}

type sqlizer interface {
	ToSql() (string, []any, error)
}

func (s *PostgresRecordStore) exec(ctx context.Context, op, key string, builder sqlizer) (int64, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("docservice: %s %s: %w", op, key, err)
	}
	s.logger.Debug().Str("op", op).Str("key", key).Int64("affected", tag.RowsAffected()).Msg("record write")
	return tag.RowsAffected(), nil
}

func maskPredicate(mask RecordMask) sq.And {
	pred := sq.And{}
	if mask.Status != nil {
		pred = append(pred, sq.Eq{"status": int16(*mask.Status)})
	}
	if mask.StatusInfo != nil {
		pred = append(pred, sq.Eq{"status_info": *mask.StatusInfo})
	}
	return pred
}
