package commandclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docservice"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
)

const (
	claimPath    = "/v1/internal/tasks/claim"
	completePath = "/v1/internal/tasks/complete"
)

// WorkerClient is the conversion worker's side of the internal task routes.
type WorkerClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	policy     retryPolicy
	now        func() time.Time
}

func NewWorkerClient(baseURL, secret string, httpClient *http.Client) *WorkerClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &WorkerClient{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: httpClient,
		// Signatures carry a second-resolution timestamp, so a retry sooner
		// than a second would be rejected as a replay.
		policy: retryPolicy{maxRetries: 3, baseDelay: time.Second, maxDelay: 5 * time.Second},
		now:    time.Now,
	}
}

// ClaimTask long-polls for up to wait. ok is false when nothing was ready.
func (w *WorkerClient) ClaimTask(ctx context.Context, wait time.Duration) (docservice.TaskQueueData, bool, error) {
	target := claimPath
	if wait > 0 {
		target += "?" + url.Values{"wait": {wait.String()}}.Encode()
	}
	var task docservice.TaskQueueData
	status, err := doWithRetry(ctx, w.httpClient, w.baseURL, w.policy, http.MethodPost, target, nil, w.sign(claimPath, nil), &task)
	if err != nil {
		return docservice.TaskQueueData{}, false, err
	}
	if status == http.StatusNoContent {
		return docservice.TaskQueueData{}, false, nil
	}
	return task, true, nil
}

// CompleteTask hands a finished conversion back to the completion handler.
func (w *WorkerClient) CompleteTask(ctx context.Context, task docservice.TaskQueueData) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = doWithRetry(ctx, w.httpClient, w.baseURL, w.policy, http.MethodPost, completePath, body, w.sign(completePath, body), nil)
	return err
}

func (w *WorkerClient) sign(path string, body []byte) func(*http.Request) {
	return func(req *http.Request) {
		stamp := w.now().UTC().Format(time.RFC3339)
		req.Header.Set("X-Relay-Timestamp", stamp)
		req.Header.Set("X-Relay-Signature", httpapi.InternalSignature(w.secret, stamp, http.MethodPost, path, body))
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
}
