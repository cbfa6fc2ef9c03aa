package docservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type WopiPutResult struct {
	StatusCode       int
	LastModifiedTime string
}

type WopiRelativeResult struct {
	Name string `json:"Name"`
	URL  string `json:"Url"`
}

// WopiSaver writes documents back to a WOPI host.
type WopiSaver interface {
	PutFile(ctx context.Context, params WopiParams, body io.Reader, size int64, userID string, modified, autosave, exitSave bool) (*WopiPutResult, error)
	PutRelativeFile(ctx context.Context, params WopiParams, body io.Reader, size int64, suggestedTarget string) (*WopiRelativeResult, error)
	Unlock(ctx context.Context, params WopiParams) error
}

type WopiClientOptions struct {
	HTTPClient    *http.Client
	ClientVersion string
	Logger        zerolog.Logger
}

type HTTPWopiClient struct {
	httpClient    *http.Client
	clientVersion string
	logger        zerolog.Logger
}

func NewHTTPWopiClient(opts WopiClientOptions) *HTTPWopiClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	version := strings.TrimSpace(opts.ClientVersion)
	if version == "" {
		version = "relaydoc"
	}
	return &HTTPWopiClient{
		httpClient:    httpClient,
		clientVersion: version,
		logger:        opts.Logger.With().Str("component", "wopi_client").Logger(),
	}
}

func (c *HTTPWopiClient) PutFile(ctx context.Context, params WopiParams, body io.Reader, size int64, userID string, modified, autosave, exitSave bool) (*WopiPutResult, error) {
	target, err := wopiURL(params.UserAuth, "/contents")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	c.commonHeaders(req, params, "PUT")
	req.Header.Set("X-LOOL-WOPI-IsModifiedByUser", strconv.FormatBool(modified))
	req.Header.Set("X-LOOL-WOPI-IsAutosave", strconv.FormatBool(autosave))
	req.Header.Set("X-LOOL-WOPI-IsExitSave", strconv.FormatBool(exitSave))
	if userID != "" {
		req.Header.Set("X-WOPI-Editors", userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CallbackError{Body: err.Error()}
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CallbackError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	result := &WopiPutResult{StatusCode: resp.StatusCode}
	var parsed struct {
		LastModifiedTime string `json:"LastModifiedTime"`
	}
	if json.Unmarshal(respBody, &parsed) == nil {
		result.LastModifiedTime = parsed.LastModifiedTime
	}
	c.logger.Debug().Str("wopiSrc", params.UserAuth.WopiSrc).Int("status", resp.StatusCode).Msg("put file")
	return result, nil
}

func (c *HTTPWopiClient) PutRelativeFile(ctx context.Context, params WopiParams, body io.Reader, size int64, suggestedTarget string) (*WopiRelativeResult, error) {
	target, err := wopiURL(params.UserAuth, "")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	c.commonHeaders(req, params, "PUT_RELATIVE")
	req.Header.Set("X-WOPI-SuggestedTarget", encodeWopiHeaderValue(suggestedTarget))
	req.Header.Set("X-WOPI-Size", strconv.FormatInt(size, 10))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CallbackError{Body: err.Error()}
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CallbackError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	var result WopiRelativeResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &CallbackError{StatusCode: resp.StatusCode, Body: "unparseable PutRelativeFile reply"}
	}
	return &result, nil
}

func (c *HTTPWopiClient) Unlock(ctx context.Context, params WopiParams) error {
	if !params.CommonInfo.FileInfo.SupportsLocks || params.CommonInfo.LockID == "" {
		return nil
	}
	target, err := wopiURL(params.UserAuth, "")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	c.commonHeaders(req, params, "UNLOCK")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &CallbackError{Body: err.Error()}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CallbackError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *HTTPWopiClient) commonHeaders(req *http.Request, params WopiParams, override string) {
	req.Header.Set("X-WOPI-Override", override)
	if params.CommonInfo.LockID != "" {
		req.Header.Set("X-WOPI-Lock", params.CommonInfo.LockID)
	}
	req.Header.Set("X-WOPI-TimeStamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	req.Header.Set("X-WOPI-ClientVersion", c.clientVersion)
	req.Header.Set("X-WOPI-CorrelationId", uuid.NewString())
	if params.UserAuth.HostSessionID != "" {
		req.Header.Set("X-WOPI-SessionId", params.UserAuth.HostSessionID)
	}
}

func wopiURL(auth WopiUserAuth, suffix string) (string, error) {
	src := strings.TrimSpace(auth.WopiSrc)
	if src == "" {
		return "", ErrInvalidInput
	}
	u, err := url.Parse(src)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + suffix
	q := u.Query()
	q.Set("access_token", auth.AccessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// encodeWopiHeaderValue keeps ASCII names as-is and percent-encodes anything else
// so the header stays valid.
func encodeWopiHeaderValue(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] >= utf8.RuneSelf {
			return url.PathEscape(name)
		}
	}
	return name
}
