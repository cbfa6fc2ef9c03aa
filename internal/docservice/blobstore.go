package docservice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BlobStorage holds document bodies, save parts, conversion results and the
// forgotten area. Paths are slash separated and never start with a slash.
type BlobStorage interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Open(ctx context.Context, path string) (io.ReadCloser, int64, error)
	// List returns every path under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// DeletePath removes every object under prefix.
	DeletePath(ctx context.Context, prefix string) error
	Copy(ctx context.Context, src, dst string) error
	SignedURL(ctx context.Context, baseURL, path string, urlType URLType) (string, error)
}

type URLSignerOptions struct {
	Secret       string
	SessionTTL   time.Duration
	TemporaryTTL time.Duration
	Now          func() time.Time
}

// URLSigner issues and verifies links served by the /v1/files route.
type URLSigner struct {
	secret       []byte
	sessionTTL   time.Duration
	temporaryTTL time.Duration
	now          func() time.Time
}

func NewURLSigner(opts URLSignerOptions) *URLSigner {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.TemporaryTTL <= 0 {
		opts.TemporaryTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &URLSigner{
		secret:       []byte(opts.Secret),
		sessionTTL:   opts.SessionTTL,
		temporaryTTL: opts.TemporaryTTL,
		now:          opts.Now,
	}
}

func (s *URLSigner) Sign(baseURL, path string, urlType URLType) string {
	ttl := s.sessionTTL
	if urlType == URLTemporary {
		ttl = s.temporaryTTL
	}
	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", s.signature(path, expires))
	return strings.TrimRight(baseURL, "/") + "/v1/files/" + escapeBlobPath(path) + "?" + q.Encode()
}

func (s *URLSigner) Verify(path, expires, sig string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return false
	}
	expected := s.signature(path, expires)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (s *URLSigner) signature(path, expires string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(path))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

func escapeBlobPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

type InMemoryBlobStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
	signer  *URLSigner
}

func NewInMemoryBlobStorage(signer *URLSigner) *InMemoryBlobStorage {
	if signer == nil {
		signer = NewURLSigner(URLSignerOptions{})
	}
	return &InMemoryBlobStorage{
		objects: map[string][]byte{},
		signer:  signer,
	}
}

func (s *InMemoryBlobStorage) Put(ctx context.Context, path string, data []byte) error {
	path = normalizeBlobPath(path)
	if path == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return nil
}

func (s *InMemoryBlobStorage) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[normalizeBlobPath(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

func (s *InMemoryBlobStorage) Open(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	data, err := s.Get(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *InMemoryBlobStorage) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = normalizeBlobPath(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for path := range s.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryBlobStorage) DeletePath(ctx context.Context, prefix string) error {
	prefix = normalizeBlobPath(prefix)
	if prefix == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.objects {
		if strings.HasPrefix(path, prefix) {
			delete(s.objects, path)
		}
	}
	return nil
}

func (s *InMemoryBlobStorage) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, data)
}

func (s *InMemoryBlobStorage) SignedURL(ctx context.Context, baseURL, path string, urlType URLType) (string, error) {
	return s.signer.Sign(baseURL, normalizeBlobPath(path), urlType), nil
}

func normalizeBlobPath(path string) string {
	return strings.TrimLeft(strings.TrimSpace(path), "/")
}

// blobExt returns the extension of path including the dot.
func blobExt(path string) string {
	base := path
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		return base[i:]
	}
	return ""
}
