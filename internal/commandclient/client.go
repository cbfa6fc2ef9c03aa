package commandclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docservice"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/google/uuid"
)

var ErrConflict = errors.New("document state conflict")

type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "document state conflict"
	}
	return fmt.Sprintf("document state conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// CommandError is a command-service reply whose error field is not zero.
type CommandError struct {
	Command string
	Key     string
	Code    docservice.ServerCommandError
}

func (e *CommandError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s failed with error %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s %s failed with error %d", e.Command, e.Key, e.Code)
}

type ShutdownStatus struct {
	ShuttingDown bool     `json:"shuttingDown"`
	Documents    []string `json:"documents"`
}

type BackendStatus = httpapi.BackendStatus

// Client talks to the bearer-authenticated routes: the command service and
// the admin endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Command posts one command-service request. A non-zero error code in the
// reply is returned as a *CommandError alongside the decoded result.
func (c *Client) Command(ctx context.Context, command, key string) (docservice.ForgottenResult, error) {
	body := map[string]any{"c": command}
	if key != "" {
		body["key"] = key
	}
	var out docservice.ForgottenResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/command", nil, body, &out); err != nil {
		return out, err
	}
	if out.Error != docservice.CommandNoError {
		return out, &CommandError{Command: command, Key: key, Code: out.Error}
	}
	return out, nil
}

func (c *Client) GetForgotten(ctx context.Context, key string) (string, error) {
	res, err := c.Command(ctx, "getForgotten", key)
	return res.URL, err
}

func (c *Client) DeleteForgotten(ctx context.Context, key string) error {
	_, err := c.Command(ctx, "deleteForgotten", key)
	return err
}

func (c *Client) GetForgottenList(ctx context.Context) ([]string, error) {
	res, err := c.Command(ctx, "getForgottenList", "")
	return res.Keys, err
}

// DownloadForgotten fetches the preserved copy of key into dir and returns
// the local path. The file appears atomically.
func (c *Client) DownloadForgotten(ctx context.Context, key, dir string) (string, error) {
	link, err := c.GetForgotten(ctx, key)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse forgotten link: %w", err)
	}
	data, err := c.download(ctx, link)
	if err != nil {
		return "", err
	}
	name := key + path.Ext(parsed.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)
	if err := writeFileAtomic(target, data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}

func (c *Client) Backends(ctx context.Context) (BackendStatus, error) {
	var out BackendStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/backends", nil, nil, &out)
	return out, err
}

func (c *Client) ShutdownStatus(ctx context.Context) (ShutdownStatus, error) {
	var out ShutdownStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/shutdown", nil, nil, &out)
	return out, err
}

func (c *Client) SetShuttingDown(ctx context.Context, shuttingDown bool) (ShutdownStatus, error) {
	var out ShutdownStatus
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/shutdown", nil, map[string]any{"shuttingDown": shuttingDown}, &out)
	return out, err
}

func (c *Client) download(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeHTTPError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.roundTrip(ctx, method, requestPath, bodyBytes, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}
	}, out)
}

// roundTrip retries transport failures, 429 and 5xx. decorate runs on every
// attempt so per-request headers can be recomputed.
func (c *Client) roundTrip(ctx context.Context, method, requestPath string, bodyBytes []byte, decorate func(*http.Request), out any) error {
	_, err := doWithRetry(ctx, c.httpClient, c.baseURL, retryPolicy{
		maxRetries: c.maxRetries,
		baseDelay:  c.baseDelay,
		maxDelay:   c.maxDelay,
	}, method, requestPath, bodyBytes, decorate, out)
	return err
}

type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func doWithRetry(
	ctx context.Context,
	httpClient *http.Client,
	baseURL string,
	policy retryPolicy,
	method, requestPath string,
	bodyBytes []byte,
	decorate func(*http.Request),
	out any,
) (int, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, baseURL+requestPath, bodyReader)
		if err != nil {
			return 0, err
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if decorate != nil {
			decorate(req)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if attempt < policy.maxRetries {
				if waitErr := waitWithContext(ctx, policy.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, waitErr
				}
				continue
			}
			return 0, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 || resp.StatusCode == http.StatusNoContent {
				return resp.StatusCode, nil
			}
			return resp.StatusCode, json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < policy.maxRetries {
			if waitErr := waitWithContext(ctx, policy.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return resp.StatusCode, waitErr
			}
			continue
		}
		if resp.StatusCode == http.StatusConflict {
			return resp.StatusCode, &ConflictError{Path: requestPath}
		}
		return resp.StatusCode, decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

func decodeHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func correlationID() string {
	return "ctl_" + uuid.NewString()
}

func (p retryPolicy) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := p.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := p.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
