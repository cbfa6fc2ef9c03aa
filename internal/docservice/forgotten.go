package docservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

func (s *Service) forgottenDir(docID string) string {
	return s.forgottenPrefix + "/" + docID + "/"
}

// forgottenMarker is written next to a document's own blobs when it was
// opened from its forgotten copy.
func (s *Service) forgottenMarker(docID string) string {
	return docID + "/" + s.forgottenFilesName + ".txt"
}

func (s *Service) listForgotten(ctx context.Context, docID string) ([]string, error) {
	return s.storage.List(ctx, s.forgottenDir(docID))
}

// storeForgotten preserves a saved file the integrator never acknowledged.
func (s *Service) storeForgotten(ctx context.Context, docID, srcPath string) error {
	dst := s.forgottenDir(docID) + s.forgottenFilesName + blobExt(srcPath)
	if err := s.storage.Copy(ctx, srcPath, dst); err != nil {
		return fmt.Errorf("docservice: store forgotten %s: %w", docID, err)
	}
	s.logger.Warn().Str("docId", docID).Str("path", dst).Msg("store forgotten")
	return nil
}

// cleanupCache drops the document record and its blobs.
func (s *Service) cleanupCache(ctx context.Context, docID string) error {
	if _, err := s.records.RemoveIf(ctx, s.tenant, docID, RecordMask{}); err != nil {
		return fmt.Errorf("docservice: remove record %s: %w", docID, err)
	}
	return s.storage.DeletePath(ctx, docID+"/")
}

// cleanupCacheIf is cleanupCache guarded by the record still matching mask.
func (s *Service) cleanupCacheIf(ctx context.Context, docID string, mask RecordMask) (bool, error) {
	affected, err := s.records.RemoveIf(ctx, s.tenant, docID, mask)
	if err != nil {
		return false, fmt.Errorf("docservice: remove record %s: %w", docID, err)
	}
	if affected == 0 {
		return false, nil
	}
	return true, s.storage.DeletePath(ctx, docID+"/")
}

type ForgottenResult struct {
	Key   string             `json:"key,omitempty"`
	Error ServerCommandError `json:"error"`
	URL   string             `json:"url,omitempty"`
	Keys  []string           `json:"keys,omitempty"`
}

// GetForgotten returns a temporary link to the preserved copy of docID.
func (s *Service) GetForgotten(ctx context.Context, baseURL, docID string) (ForgottenResult, error) {
	res := ForgottenResult{Key: docID}
	if !validDocID(docID) {
		res.Error = CommandDocumentIDError
		return res, nil
	}
	files, err := s.listForgotten(ctx, docID)
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		res.Error = CommandDocumentIDError
		return res, nil
	}
	url, err := s.storage.SignedURL(ctx, baseURL, files[0], URLTemporary)
	if err != nil {
		return res, err
	}
	res.URL = url
	return res, nil
}

func (s *Service) DeleteForgotten(ctx context.Context, docID string) (ForgottenResult, error) {
	res := ForgottenResult{Key: docID}
	if !validDocID(docID) {
		res.Error = CommandDocumentIDError
		return res, nil
	}
	files, err := s.listForgotten(ctx, docID)
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		res.Error = CommandDocumentIDError
		return res, nil
	}
	if err := s.storage.DeletePath(ctx, s.forgottenDir(docID)); err != nil {
		return res, err
	}
	return res, nil
}

// GetForgottenList returns the ids that have a preserved copy.
func (s *Service) GetForgottenList(ctx context.Context) (ForgottenResult, error) {
	prefix := s.forgottenPrefix + "/"
	files, err := s.storage.List(ctx, prefix)
	if err != nil {
		return ForgottenResult{}, err
	}
	seen := map[string]struct{}{}
	keys := make([]string, 0)
	for _, f := range files {
		rest := strings.TrimPrefix(f, prefix)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, id)
	}
	return ForgottenResult{Keys: keys}, nil
}

func validDocID(docID string) bool {
	docID = strings.TrimSpace(docID)
	return docID != "" && !strings.ContainsAny(docID, "/\\") && docID != "." && docID != ".."
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
