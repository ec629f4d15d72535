// Package sunoapi implements models.GenerationProvider over the Suno API HTTP interface.
package sunoapi

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
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/kiranshivaraju/songforge/internal/config"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

const (
	generatePath      = "/api/v1/generate"
	uploadCoverPath   = "/api/v1/generate/upload-cover"
	lyricsPath        = "/api/v1/lyrics"
	recordInfoPath    = "/api/v1/generate/record-info"
	lyricsRecordPath  = "/api/v1/lyrics/record-info"
	successCode       = 200
	maxErrorBodyBytes = 4 << 10
)

// Client calls the Suno API. Every outbound request waits on a shared rate limiter.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Suno API client.
func NewClient(cfg config.SunoAPIConfig, timeout time.Duration, limit float64, burst int) *Client {
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
}

func (c *Client) Name() string { return "sunoapi" }

// Submit posts the kind-specific payload and returns the provider task ID.
func (c *Client) Submit(ctx context.Context, req models.Submission) (string, error) {
	var path string
	var body any
	switch req.Kind {
	case models.KindTextToMusic:
		path, body = generatePath, newGenerateRequest(req)
	case models.KindAudioToMusic:
		path, body = uploadCoverPath, newUploadCoverRequest(req)
	case models.KindLyrics:
		path, body = lyricsPath, lyricsRequest{Prompt: req.Inputs.Prompt, CallBackURL: req.CallbackURL}
	default:
		return "", fmt.Errorf("%w: unsupported kind %q", models.ErrProviderRejected, req.Kind)
	}

	var env envelope[submitData]
	if err := c.do(ctx, http.MethodPost, path, body, &env); err != nil {
		return "", err
	}
	if env.Code != successCode || env.Data.TaskID == "" {
		return "", fmt.Errorf("%w: code %d: %s", models.ErrProviderRejected, env.Code, env.Msg)
	}
	return env.Data.TaskID, nil
}

// Status fetches the provider record for a task.
func (c *Client) Status(ctx context.Context, kind models.Kind, taskID string) (models.ProviderReport, error) {
	path := recordInfoPath
	if kind == models.KindLyrics {
		path = lyricsRecordPath
	}
	path += "?" + url.Values{"taskId": {taskID}}.Encode()

	var env envelope[recordInfo]
	if err := c.do(ctx, http.MethodGet, path, nil, &env); err != nil {
		return models.ProviderReport{}, err
	}
	if env.Code != successCode {
		return models.ProviderReport{}, fmt.Errorf("%w: code %d: %s", models.ErrProviderRejected, env.Code, env.Msg)
	}

	report := models.ProviderReport{
		TaskID:         taskID,
		ProviderStatus: env.Data.Status,
		ErrorMessage:   env.Data.ErrorMessage,
	}
	if kind == models.KindLyrics {
		report.Tracks = lyricsTracks(taskID, env.Data.Response.LyricsData)
	} else {
		report.Tracks = audioTracks(env.Data.Response.SunoData)
	}
	return report, nil
}

// ParseCallback decodes a callback body. A non-success code is reported as an error callback.
func (c *Client) ParseCallback(payload []byte) (models.ProviderReport, error) {
	var cb callbackPayload
	if err := json.Unmarshal(payload, &cb); err != nil {
		return models.ProviderReport{}, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}
	if cb.Data.TaskID == "" {
		return models.ProviderReport{}, fmt.Errorf("%w: callback without task_id", models.ErrInvalidResponse)
	}

	report := models.ProviderReport{
		TaskID:         cb.Data.TaskID,
		ProviderStatus: cb.Data.CallbackType,
	}
	if cb.Code != successCode {
		report.ProviderStatus = "error"
		report.ErrorMessage = cb.Msg
		return report, nil
	}

	for i, item := range cb.Data.Data {
		id := item.ID
		if id == "" {
			id = cb.Data.TaskID + "-" + strconv.Itoa(i)
		}
		report.Tracks = append(report.Tracks, models.Track{
			ID:        id,
			Title:     item.Title,
			AudioURL:  item.AudioURL,
			StreamURL: item.StreamAudioURL,
			ImageURL:  item.ImageURL,
			Duration:  item.Duration,
			Text:      item.Text,
		})
	}
	return report, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", models.ErrProviderTimeout, err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq, body != nil)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("%w: status %d: %s", models.ErrProviderUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("%w: status %d: %s", models.ErrProviderRejected, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", models.ErrInvalidResponse, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
	}

	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

func audioTracks(items []sunoTrack) []models.Track {
	tracks := make([]models.Track, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		tracks = append(tracks, models.Track{
			ID:        item.ID,
			Title:     item.Title,
			AudioURL:  item.AudioURL,
			StreamURL: item.StreamAudioURL,
			ImageURL:  item.ImageURL,
			Duration:  item.Duration,
		})
	}
	return tracks
}

// lyricsTracks gives each lyrics variant a stable ID derived from its position,
// since the provider does not assign one.
func lyricsTracks(taskID string, items []lyricsItem) []models.Track {
	tracks := make([]models.Track, 0, len(items))
	for i, item := range items {
		if item.Text == "" {
			continue
		}
		tracks = append(tracks, models.Track{
			ID:    taskID + "-" + strconv.Itoa(i),
			Title: item.Title,
			Text:  item.Text,
		})
	}
	return tracks
}

// Compile-time check that Client implements GenerationProvider.
var _ models.GenerationProvider = (*Client)(nil)
