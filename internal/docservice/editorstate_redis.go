package docservice

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisConfig struct {
	Addr     string
	DB       int
	Password string
	Prefix   string
}

// RedisEditorState keeps editor state in redis so every instance behind the
// load balancer sees the same presence and force-save data.
type RedisEditorState struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

// Compares the stored checkpoint time before replacing it.
var setForceSaveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local decoded = cjson.decode(cur)
if decoded['time'] ~= tonumber(ARGV[1]) then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 1
`)

func NewRedisEditorState(cfg RedisConfig, logger zerolog.Logger) *RedisEditorState {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return newRedisEditorState(rdb, cfg.Prefix, logger)
}

func NewRedisEditorStateFromURL(raw string, logger zerolog.Logger) (*RedisEditorState, error) {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	return newRedisEditorState(redis.NewClient(opts), "", logger), nil
}

func newRedisEditorState(rdb *redis.Client, prefix string, logger zerolog.Logger) *RedisEditorState {
	if strings.TrimSpace(prefix) == "" {
		prefix = "relaydoc:"
	}
	return &RedisEditorState{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With().Str("component", "editor_state").Logger(),
	}
}

func (s *RedisEditorState) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisEditorState) key(kind, tenant, docID string) string {
	return s.prefix + kind + ":" + tenant + ":" + docID
}

func (s *RedisEditorState) EditorsCount(ctx context.Context, tenant, docID string) (int, error) {
	n, err := s.rdb.SCard(ctx, s.key("presence", tenant, docID)).Result()
	return int(n), err
}

func (s *RedisEditorState) JoinEditor(ctx context.Context, tenant, docID, userID string) error {
	return s.rdb.SAdd(ctx, s.key("presence", tenant, docID), userID).Err()
}

func (s *RedisEditorState) LeaveEditor(ctx context.Context, tenant, docID, userID string) error {
	return s.rdb.SRem(ctx, s.key("presence", tenant, docID), userID).Err()
}

func (s *RedisEditorState) StartForceSave(ctx context.Context, tenant, docID string, cp ForceSaveCheckpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("forcesave", tenant, docID), payload, 0).Err()
}

func (s *RedisEditorState) GetForceSave(ctx context.Context, tenant, docID string) (ForceSaveCheckpoint, bool, error) {
	b, err := s.rdb.Get(ctx, s.key("forcesave", tenant, docID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ForceSaveCheckpoint{}, false, nil
	}
	if err != nil {
		return ForceSaveCheckpoint{}, false, err
	}
	var cp ForceSaveCheckpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return ForceSaveCheckpoint{}, false, err
	}
	return cp, true, nil
}

func (s *RedisEditorState) SetForceSave(ctx context.Context, tenant, docID string, cp ForceSaveCheckpoint) (bool, error) {
	payload, err := json.Marshal(cp)
	if err != nil {
		return false, err
	}
	n, err := setForceSaveScript.Run(ctx, s.rdb, []string{s.key("forcesave", tenant, docID)}, cp.Time, string(payload)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisEditorState) SetSaved(ctx context.Context, tenant, docID, value string) error {
	return s.rdb.Set(ctx, s.key("saved", tenant, docID), value, 0).Err()
}

func (s *RedisEditorState) GetDelSaved(ctx context.Context, tenant, docID string) (string, bool, error) {
	value, err := s.rdb.GetDel(ctx, s.key("saved", tenant, docID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisEditorState) CleanDocumentOnExit(ctx context.Context, tenant, docID string) error {
	n, err := s.rdb.Del(ctx,
		s.key("presence", tenant, docID),
		s.key("forcesave", tenant, docID),
		s.key("saved", tenant, docID),
	).Result()
	if err != nil {
		return err
	}
	s.logger.Debug().Str("docId", docID).Int64("deleted", n).Msg("clean document on exit")
	return nil
}

func (s *RedisEditorState) AddShutdown(ctx context.Context, key, docID string) error {
	return s.rdb.SAdd(ctx, s.prefix+key, docID).Err()
}

func (s *RedisEditorState) RemoveShutdown(ctx context.Context, key, docID string) error {
	return s.rdb.SRem(ctx, s.prefix+key, docID).Err()
}

func (s *RedisEditorState) ListShutdown(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisEditorState) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
