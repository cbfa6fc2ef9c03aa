package docservice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultCallbackAuthHeaderLimit = 7168

// CallbackSender posts save notifications to a generic integrator endpoint.
type CallbackSender interface {
	Send(ctx context.Context, url string, payload *OutputSfc) (*CallbackReply, error)
}

type CallbackClientOptions struct {
	HTTPClient *http.Client
	// OutboxSecret signs the Authorization header. Empty disables signing.
	OutboxSecret    string
	TokenTTL        time.Duration
	AuthHeaderLimit int
	UserAgent       string
	Logger          zerolog.Logger
	Now             func() time.Time
}

type HTTPCallbackClient struct {
	httpClient      *http.Client
	outboxSecret    []byte
	tokenTTL        time.Duration
	authHeaderLimit int
	userAgent       string
	logger          zerolog.Logger
	now             func() time.Time
}

func NewHTTPCallbackClient(opts CallbackClientOptions) *HTTPCallbackClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Minute
	}
	limit := opts.AuthHeaderLimit
	if limit <= 0 {
		limit = defaultCallbackAuthHeaderLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &HTTPCallbackClient{
		httpClient:      httpClient,
		outboxSecret:    []byte(strings.TrimSpace(opts.OutboxSecret)),
		tokenTTL:        tokenTTL,
		authHeaderLimit: limit,
		userAgent:       strings.TrimSpace(opts.UserAgent),
		logger:          opts.Logger.With().Str("component", "callback_client").Logger(),
		now:             now,
	}
}

// Send performs a single POST. Retries are scheduled by the caller through
// the result queue. A 2xx answer whose body is not a reply yields a nil reply.
func (c *HTTPCallbackClient) Send(ctx context.Context, url string, payload *OutputSfc) (*CallbackReply, error) {
	if payload == nil || strings.TrimSpace(url) == "" {
		return nil, ErrInvalidInput
	}
	body := payload
	auth, err := c.authorization(body)
	if err != nil {
		return nil, err
	}
	if auth != "" && len(auth) >= c.authHeaderLimit {
		body = truncateForAuthHeader(payload)
		if auth, err = c.authorization(body); err != nil {
			return nil, err
		}
		c.logger.Warn().Str("key", payload.Key).Int("limit", c.authHeaderLimit).Msg("authorization header truncated")
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", payload.Key).Msg("callback request failed")
		return nil, &CallbackError{Body: err.Error()}
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &CallbackError{StatusCode: resp.StatusCode, Body: readErr.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CallbackError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var reply CallbackReply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		c.logger.Debug().Str("key", payload.Key).Msg("callback reply not parseable")
		return nil, nil
	}
	return &reply, nil
}

func (c *HTTPCallbackClient) authorization(payload *OutputSfc) (string, error) {
	if len(c.outboxSecret) == 0 {
		return "", nil
	}
	now := c.now()
	claims := jwt.MapClaims{
		"payload": payload,
		"iat":     now.Unix(),
		"exp":     now.Add(c.tokenTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.outboxSecret)
	if err != nil {
		return "", err
	}
	return "Bearer " + signed, nil
}

// truncateForAuthHeader drops the bulky history fields from a copy of payload.
func truncateForAuthHeader(payload *OutputSfc) *OutputSfc {
	clone := *payload
	clone.ChangesURL = ""
	clone.History = json.RawMessage(`{}`)
	return &clone
}
