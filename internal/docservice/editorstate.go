package docservice

import (
	"context"
	"sort"
	"sync"
)

// EditorState is the shared per-document editing state kept outside the
// record store: who is connected, the last forced save, the integrator's
// saved flag and the documents tracked during a shutdown.
type EditorState interface {
	EditorsCount(ctx context.Context, tenant, docID string) (int, error)
	JoinEditor(ctx context.Context, tenant, docID, userID string) error
	LeaveEditor(ctx context.Context, tenant, docID, userID string) error

	StartForceSave(ctx context.Context, tenant, docID string, cp ForceSaveCheckpoint) error
	GetForceSave(ctx context.Context, tenant, docID string) (ForceSaveCheckpoint, bool, error)
	// SetForceSave updates the checkpoint only when its Time still matches cp.Time.
	SetForceSave(ctx context.Context, tenant, docID string, cp ForceSaveCheckpoint) (bool, error)

	SetSaved(ctx context.Context, tenant, docID, value string) error
	// GetDelSaved reads and clears the saved flag in one step.
	GetDelSaved(ctx context.Context, tenant, docID string) (string, bool, error)

	CleanDocumentOnExit(ctx context.Context, tenant, docID string) error

	AddShutdown(ctx context.Context, key, docID string) error
	RemoveShutdown(ctx context.Context, key, docID string) error
	ListShutdown(ctx context.Context, key string) ([]string, error)
	Close() error
}

type InMemoryEditorState struct {
	mu        sync.Mutex
	presence  map[string]map[string]struct{}
	forceSave map[string]ForceSaveCheckpoint
	saved     map[string]string
	shutdown  map[string]map[string]struct{}
}

func NewInMemoryEditorState() *InMemoryEditorState {
	return &InMemoryEditorState{
		presence:  map[string]map[string]struct{}{},
		forceSave: map[string]ForceSaveCheckpoint{},
		saved:     map[string]string{},
		shutdown:  map[string]map[string]struct{}{},
	}
}

func (s *InMemoryEditorState) EditorsCount(ctx context.Context, tenant, docID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.presence[recordMapKey(tenant, docID)]), nil
}

func (s *InMemoryEditorState) JoinEditor(ctx context.Context, tenant, docID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordMapKey(tenant, docID)
	users, ok := s.presence[key]
	if !ok {
		users = map[string]struct{}{}
		s.presence[key] = users
	}
	users[userID] = struct{}{}
	return nil
}

func (s *InMemoryEditorState) LeaveEditor(ctx context.Context, tenant, docID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordMapKey(tenant, docID)
	if users, ok := s.presence[key]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.presence, key)
		}
	}
	return nil
}

func (s *InMemoryEditorState) StartForceSave(ctx context.Context, tenant, docID string, cp ForceSaveCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceSave[recordMapKey(tenant, docID)] = cp
	return nil
}

func (s *InMemoryEditorState) GetForceSave(ctx context.Context, tenant, docID string) (ForceSaveCheckpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.forceSave[recordMapKey(tenant, docID)]
	return cp, ok, nil
}

func (s *InMemoryEditorState) SetForceSave(ctx context.Context, tenant, docID string, cp ForceSaveCheckpoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordMapKey(tenant, docID)
	cur, ok := s.forceSave[key]
	if !ok || cur.Time != cp.Time {
		return false, nil
	}
	s.forceSave[key] = cp
	return true, nil
}

func (s *InMemoryEditorState) SetSaved(ctx context.Context, tenant, docID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[recordMapKey(tenant, docID)] = value
	return nil
}

func (s *InMemoryEditorState) GetDelSaved(ctx context.Context, tenant, docID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordMapKey(tenant, docID)
	value, ok := s.saved[key]
	delete(s.saved, key)
	return value, ok, nil
}

func (s *InMemoryEditorState) CleanDocumentOnExit(ctx context.Context, tenant, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordMapKey(tenant, docID)
	delete(s.presence, key)
	delete(s.forceSave, key)
	delete(s.saved, key)
	return nil
}

func (s *InMemoryEditorState) AddShutdown(ctx context.Context, key, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.shutdown[key]
	if !ok {
		set = map[string]struct{}{}
		s.shutdown[key] = set
	}
	set[docID] = struct{}{}
	return nil
}

func (s *InMemoryEditorState) RemoveShutdown(ctx context.Context, key, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shutdown[key], docID)
	return nil
}

func (s *InMemoryEditorState) ListShutdown(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.shutdown[key]))
	for docID := range s.shutdown[key] {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryEditorState) Close() error {
	return nil
}
