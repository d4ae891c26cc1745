// Package client talks to the collaboration API over HTTP. HTTPClient
// satisfies locks.Client so an EditSession can drive a remote section lock.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bidroom/collab/internal/apperr"
	"github.com/bidroom/collab/internal/locks"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096

	opNew       = "client.new"
	opAcquire   = "client.acquire"
	opRelease   = "client.release"
	opHeartbeat = "client.heartbeat"
)

var (
	errMissingBaseURL = errors.New("client: base url required")
	errMissingToken   = errors.New("client: session token required")
)

// StatusError reports a response the client could not interpret.
type StatusError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config configures an HTTPClient.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// HTTPClient calls the section lock routes with a bearer session token.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ locks.Client = (*HTTPClient)(nil)

// New validates the configuration.
func New(cfg Config) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, apperr.New(opNew, "missing_base_url", errMissingBaseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, apperr.New(opNew, "invalid_base_url", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, apperr.New(opNew, "missing_token", errMissingToken)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPClient{baseURL: baseURL, token: token, httpClient: httpClient}, nil
}

// Acquire requests the section lock. Contention is reported through the
// result, not as an error.
func (c *HTTPClient) Acquire(ctx context.Context, sectionID, documentID string) (locks.AcquireResult, error) {
	var result locks.AcquireResult
	err := c.call(ctx, opAcquire, http.MethodPost, sectionPath(sectionID, ""), map[string]string{"document_id": documentID}, &result, http.StatusConflict)
	if err != nil {
		return locks.AcquireResult{}, err
	}
	return result, nil
}

// Release gives the section lock back.
func (c *HTTPClient) Release(ctx context.Context, sectionID string) (locks.ReleaseResult, error) {
	var result locks.ReleaseResult
	if err := c.call(ctx, opRelease, http.MethodDelete, sectionPath(sectionID, ""), nil, &result); err != nil {
		return locks.ReleaseResult{}, err
	}
	return result, nil
}

// Heartbeat extends the lease. A lock that is no longer held yields an
// unsuccessful result.
func (c *HTTPClient) Heartbeat(ctx context.Context, sectionID string) (locks.HeartbeatResult, error) {
	var result locks.HeartbeatResult
	if err := c.call(ctx, opHeartbeat, http.MethodPost, sectionPath(sectionID, "heartbeat"), nil, &result, http.StatusConflict); err != nil {
		return locks.HeartbeatResult{}, err
	}
	return result, nil
}

func sectionPath(sectionID, suffix string) string {
	path := "/sections/" + url.PathEscape(strings.TrimSpace(sectionID)) + "/lock"
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

// call sends the request and decodes a 200 response, or one of the accepted
// statuses, into target.
func (c *HTTPClient) call(ctx context.Context, operation, method, path string, body any, target any, accepted ...int) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperr.New(operation, "encode_failed", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.New(operation, "request_failed", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return apperr.New(operation, "transport_failed", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && !slices.Contains(accepted, response.StatusCode) {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
		statusErr := &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(raw))}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			statusErr.Code = payload.Error
		}
		reason := "unexpected_status"
		if response.StatusCode == http.StatusUnauthorized {
			reason = "unauthorized"
		}
		return apperr.New(operation, reason, statusErr)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return apperr.New(operation, "decode_failed", err)
	}
	return nil
}
