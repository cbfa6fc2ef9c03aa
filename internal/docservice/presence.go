package docservice

import (
	"context"
	"fmt"
)

// EditorSession identifies one editing connection of a document.
type EditorSession struct {
	UserID    string `json:"userid"`
	UserIndex int    `json:"userindex,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

func (s *Service) JoinEditor(ctx context.Context, docID string, sess EditorSession) error {
	if !validDocID(docID) || sess.UserID == "" {
		return ErrInvalidInput
	}
	return s.editors.JoinEditor(ctx, s.tenant, docID, sess.UserID)
}

// LeaveEditor removes sess from the document. When it was the last editor
// the document is marked SaveVersion and its final save is queued; the
// result reports whether that happened.
func (s *Service) LeaveEditor(ctx context.Context, docID string, sess EditorSession) (bool, error) {
	if !validDocID(docID) || sess.UserID == "" {
		return false, ErrInvalidInput
	}
	if err := s.editors.LeaveEditor(ctx, s.tenant, docID, sess.UserID); err != nil {
		return false, err
	}
	count, err := s.editors.EditorsCount(ctx, s.tenant, docID)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	tag := s.now().UnixMilli()
	applied, err := s.transition(ctx, docID, RecordUpdate{Status: StatusSaveVersion, StatusInfo: tag}, MaskStatus(StatusOk))
	if err != nil || !applied {
		return false, err
	}
	s.logger.Debug().Str("docId", docID).Int64("version", tag).Msg("save version")
	return s.DispatchSaveFromChanges(ctx, docID, tag, Command{
		UserID:          sess.UserID,
		UserIndex:       sess.UserIndex,
		UserActionID:    sess.UserID,
		UserActionIndex: sess.UserIndex,
		Encrypted:       sess.Encrypted,
	})
}

// StartForceSave records a forced-save checkpoint and queues the build.
func (s *Service) StartForceSave(ctx context.Context, docID string, fsType ForceSaveType, sess EditorSession) (ForceSaveCheckpoint, bool, error) {
	if !validDocID(docID) {
		return ForceSaveCheckpoint{}, false, ErrInvalidInput
	}
	now := s.now().UnixMilli()
	cp := ForceSaveCheckpoint{Type: fsType, Time: now}
	if err := s.editors.StartForceSave(ctx, s.tenant, docID, cp); err != nil {
		return cp, false, fmt.Errorf("docservice: start force save %s: %w", docID, err)
	}
	fs := &ForceSave{Type: fsType, Time: now, AuthorUserID: sess.UserID}
	if sess.UserIndex > 0 {
		idx := sess.UserIndex
		fs.AuthorUserIndex = &idx
	}
	ok, err := s.DispatchForceSave(ctx, Command{
		Command:   "sfcm",
		DocID:     docID,
		UserID:    sess.UserID,
		UserIndex: sess.UserIndex,
		ForceSave: fs,
		Encrypted: sess.Encrypted,
	}, PriorityLow)
	return cp, ok, err
}

func (s *Service) ForceSaveStatus(ctx context.Context, docID string) (ForceSaveCheckpoint, bool, error) {
	return s.editors.GetForceSave(ctx, s.tenant, docID)
}

// MarkSaved lets an integrator veto the next final save by storing a flag
// other than "1".
func (s *Service) MarkSaved(ctx context.Context, docID, value string) error {
	return s.editors.SetSaved(ctx, s.tenant, docID, value)
}
