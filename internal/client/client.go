// Package client is the HTTP client genctl uses to talk to a SongForge server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/songforge/pkg/models"
)

// Sentinel errors for transport failures.
var (
	ErrUnreachable = errors.New("songforge server unreachable")
	ErrTimeout     = errors.New("songforge request timeout")
	// ErrLyricsPending is returned with the task id when the server stopped
	// waiting before the lyrics were ready.
	ErrLyricsPending = errors.New("lyrics still generating")
)

// APIError is an error envelope returned by the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Quota mirrors the server's monthly quota view.
type Quota struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Submitted is the answer to a generation request.
type Submitted struct {
	TaskID         string        `json:"task_id"`
	Kind           models.Kind   `json:"kind"`
	Status         models.Status `json:"status"`
	Cost           int64         `json:"cost"`
	Quota          Quota         `json:"quota"`
	RequestedModel string        `json:"requested_model"`
	EffectiveModel string        `json:"effective_model"`
	ModelAdjusted  bool          `json:"model_adjusted"`
}

// Lyrics is the answer to a lyrics request.
type Lyrics struct {
	TaskID string         `json:"task_id"`
	Status models.Status  `json:"status"`
	Lyrics []models.Track `json:"lyrics"`
	Quota  Quota          `json:"quota"`
}

// Credits is the caller's balance and plan.
type Credits struct {
	OwnerID       string           `json:"owner_id"`
	Balance       int64            `json:"balance"`
	Plan          string           `json:"plan"`
	Quota         Quota            `json:"quota"`
	AllowedModels []string         `json:"allowed_models"`
	Costs         map[string]int64 `json:"costs"`
}

// HTTPClient calls the SongForge API with a bearer key.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a client for baseURL.
func New(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Submit starts a generation.
func (c *HTTPClient) Submit(ctx context.Context, kind models.Kind, in models.Inputs) (*Submitted, error) {
	body := struct {
		Kind models.Kind `json:"kind"`
		models.Inputs
	}{Kind: kind, Inputs: in}

	var out Submitted
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/generations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Task returns the stored record.
func (c *HTTPClient) Task(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/generations/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the provider's current view of a task.
func (c *HTTPClient) Status(ctx context.Context, taskID string) (*models.TaskStatus, error) {
	var out models.TaskStatus
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/generations/"+url.PathEscape(taskID)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Persist reports an observation and returns the stored task view.
func (c *HTTPClient) Persist(ctx context.Context, taskID, status string, tracks []models.Track) (*models.TaskStatus, error) {
	body := map[string]any{"status": status, "tracks": tracks}

	var out models.TaskStatus
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/generations/"+url.PathEscape(taskID)+"/observations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Lyrics generates lyrics. When the server answers before they are ready the
// partial result is returned together with ErrLyricsPending.
func (c *HTTPClient) Lyrics(ctx context.Context, prompt string) (*Lyrics, error) {
	var out Lyrics
	status, err := c.do(ctx, http.MethodPost, "/api/v1/lyrics", map[string]string{"prompt": prompt}, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		return &out, ErrLyricsPending
	}
	return &out, nil
}

// Credits returns the caller's balance, plan and quota.
func (c *HTTPClient) Credits(ctx context.Context) (*Credits, error) {
	var out Credits
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/credits", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready checks the server health endpoint.
func (c *HTTPClient) Ready(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil)
	return err
}

// do sends one request and decodes the data envelope into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeError(resp)
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	envelope := struct {
		Data any `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Code == "" {
		apiErr.Code = "HTTP_ERROR"
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}
	apiErr.Code = envelope.Error.Code
	apiErr.Message = envelope.Error.Message
	apiErr.Details = envelope.Error.Details
	return apiErr
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
