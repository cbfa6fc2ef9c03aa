package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/agentworkforce/relaydoc/internal/docservice"
)

// handleFile serves blobs behind the links URLSigner issues. The signature
// is checked against the unescaped storage path.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.cfg.Signer == nil {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	blobPath := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	q := r.URL.Query()
	if blobPath == "" || !s.cfg.Signer.Verify(blobPath, q.Get("expires"), q.Get("sig")) {
		writeError(w, http.StatusForbidden, "forbidden", "invalid or expired link", correlationID)
		return
	}
	body, size, err := s.svc.Storage().Open(r.Context(), blobPath)
	if err != nil {
		if errors.Is(err, docservice.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "file not found", correlationID)
			return
		}
		s.logger.Error().Err(err).Str("path", blobPath).Msg("open file failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open file", correlationID)
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension(path.Ext(blobPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(blobPath)}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn().Err(err).Str("path", blobPath).Msg("stream file interrupted")
	}
}
