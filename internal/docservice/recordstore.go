package docservice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordStore persists one DocumentRecord per (tenant, key). UpdateIf is the
// only primitive used to move a document between statuses.
type RecordStore interface {
	Select(ctx context.Context, tenant, key string) (DocumentRecord, error)
	Upsert(ctx context.Context, tenant string, req UpsertRequest) (UpsertResult, error)
	// Update writes unconditionally and reports the rows whose values changed.
	Update(ctx context.Context, tenant, key string, upd RecordUpdate) (int64, error)
	UpdateIf(ctx context.Context, tenant, key string, upd RecordUpdate, mask RecordMask) (int64, error)
	RemoveIf(ctx context.Context, tenant, key string, mask RecordMask) (int64, error)
	// InsertRandomKey creates a record keyed docID+"_"+random and returns the key.
	InsertRandomKey(ctx context.Context, tenant, docID string) (string, error)
	Close() error
}

type InMemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]DocumentRecord
	now     func() time.Time
}

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return NewInMemoryRecordStoreWithClock(time.Now)
}

func NewInMemoryRecordStoreWithClock(now func() time.Time) *InMemoryRecordStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryRecordStore{
		records: map[string]DocumentRecord{},
		now:     now,
	}
}

func recordMapKey(tenant, key string) string {
	return tenant + "\x00" + key
}

func (s *InMemoryRecordStore) Select(ctx context.Context, tenant, key string) (DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordMapKey(tenant, key)]
	if !ok {
		return DocumentRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *InMemoryRecordStore) Upsert(ctx context.Context, tenant string, req UpsertRequest) (UpsertResult, error) {
	if strings.TrimSpace(req.Key) == "" {
		return UpsertResult{}, ErrInvalidInput
	}
	userIndex := req.UserIndex
	if userIndex <= 0 {
		userIndex = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	mapKey := recordMapKey(tenant, req.Key)
	rec, exists := s.records[mapKey]
	if !exists {
		rec = DocumentRecord{
			Tenant:       tenant,
			Key:          req.Key,
			Status:       StatusNone,
			StatusInfo:   CodeNoError,
			LastOpenDate: now,
			CreatedAt:    now,
			UserIndex:    userIndex,
			OriginFormat: req.OriginFormat,
			BaseURL:      req.BaseURL,
		}
		if req.Callback != "" {
			rec.Callbacks = []UserCallback{{UserIndex: userIndex, Callback: req.Callback}}
		}
		s.records[mapKey] = rec
		return UpsertResult{IsInsert: true, UserIndex: userIndex}, nil
	}
	rec.LastOpenDate = now
	rec.UserIndex++
	if req.Callback != "" {
		rec.Callbacks = append(rec.Callbacks, UserCallback{UserIndex: rec.UserIndex, Callback: req.Callback})
	}
	if req.BaseURL != "" {
		rec.BaseURL = req.BaseURL
	}
	s.records[mapKey] = rec
	return UpsertResult{IsInsert: false, UserIndex: rec.UserIndex}, nil
}

func (s *InMemoryRecordStore) Update(ctx context.Context, tenant, key string, upd RecordUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapKey := recordMapKey(tenant, key)
	rec, ok := s.records[mapKey]
	if !ok {
		return 0, nil
	}
	next := applyRecordUpdate(rec, upd)
	if recordValuesEqual(rec, next) {
		return 0, nil
	}
	s.records[mapKey] = next
	return 1, nil
}

func (s *InMemoryRecordStore) UpdateIf(ctx context.Context, tenant, key string, upd RecordUpdate, mask RecordMask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapKey := recordMapKey(tenant, key)
	rec, ok := s.records[mapKey]
	if !ok || !mask.Matches(rec) {
		return 0, nil
	}
	s.records[mapKey] = applyRecordUpdate(rec, upd)
	return 1, nil
}

func (s *InMemoryRecordStore) RemoveIf(ctx context.Context, tenant, key string, mask RecordMask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapKey := recordMapKey(tenant, key)
	rec, ok := s.records[mapKey]
	if !ok || !mask.Matches(rec) {
		return 0, nil
	}
	delete(s.records, mapKey)
	return 1, nil
}

func (s *InMemoryRecordStore) InsertRandomKey(ctx context.Context, tenant, docID string) (string, error) {
	if strings.TrimSpace(docID) == "" {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for {
		key := docID + "_" + uuid.NewString()
		mapKey := recordMapKey(tenant, key)
		if _, exists := s.records[mapKey]; exists {
			continue
		}
		s.records[mapKey] = DocumentRecord{
			Tenant:       tenant,
			Key:          key,
			Status:       StatusWaitQueue,
			StatusInfo:   minuteStamp(now),
			LastOpenDate: now,
			CreatedAt:    now,
			UserIndex:    1,
		}
		return key, nil
	}
}

func (s *InMemoryRecordStore) Close() error {
	return nil
}

func applyRecordUpdate(rec DocumentRecord, upd RecordUpdate) DocumentRecord {
	rec = cloneRecord(rec)
	rec.Status = upd.Status
	rec.StatusInfo = upd.StatusInfo
	if upd.Password != "" {
		if rec.Password.Initial == "" {
			rec.Password.Initial = upd.Password
		}
		rec.Password.Current = upd.Password
	}
	if upd.Callback != "" {
		rec.Callbacks = append(rec.Callbacks, UserCallback{UserIndex: rec.UserIndex, Callback: upd.Callback})
	}
	if upd.BaseURL != "" {
		rec.BaseURL = upd.BaseURL
	}
	return rec
}

func recordValuesEqual(a, b DocumentRecord) bool {
	return a.Status == b.Status &&
		a.StatusInfo == b.StatusInfo &&
		a.Password == b.Password &&
		a.BaseURL == b.BaseURL &&
		len(a.Callbacks) == len(b.Callbacks)
}

func cloneRecord(rec DocumentRecord) DocumentRecord {
	rec.Callbacks = append([]UserCallback(nil), rec.Callbacks...)
	return rec
}

func minuteStamp(t time.Time) int64 {
	return t.UnixMilli() / 60000
}
