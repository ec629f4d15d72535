package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

// MockProvider satisfies models.GenerationProvider for tests and local runs.
type MockProvider struct {
	Name_             string
	SubmitFunc        func(ctx context.Context, req models.Submission) (string, error)
	StatusFunc        func(ctx context.Context, kind models.Kind, taskID string) (models.ProviderReport, error)
	ParseCallbackFunc func(payload []byte) (models.ProviderReport, error)

	mu          sync.Mutex
	submissions []models.Submission
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Submit(ctx context.Context, req models.Submission) (string, error) {
	m.mu.Lock()
	m.submissions = append(m.submissions, req)
	m.mu.Unlock()
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	return "", nil
}

func (m *MockProvider) Status(ctx context.Context, kind models.Kind, taskID string) (models.ProviderReport, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, kind, taskID)
	}
	return models.ProviderReport{TaskID: taskID}, nil
}

func (m *MockProvider) ParseCallback(payload []byte) (models.ProviderReport, error) {
	if m.ParseCallbackFunc != nil {
		return m.ParseCallbackFunc(payload)
	}
	return ParseCallback(payload)
}

// Submissions returns every request passed to Submit, in order.
func (m *MockProvider) Submissions() []models.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Submission(nil), m.submissions...)
}

// Callback is the JSON body the mock provider accepts on the callback endpoint.
type Callback struct {
	TaskID string         `json:"task_id"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Tracks []models.Track `json:"tracks"`
}

// ParseCallback decodes a Callback body.
func ParseCallback(payload []byte) (models.ProviderReport, error) {
	var cb Callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return models.ProviderReport{}, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}
	if cb.TaskID == "" {
		return models.ProviderReport{}, fmt.Errorf("%w: callback without task_id", models.ErrInvalidResponse)
	}
	return models.ProviderReport{
		TaskID:         cb.TaskID,
		ProviderStatus: cb.Status,
		Tracks:         cb.Tracks,
		ErrorMessage:   cb.Error,
	}, nil
}

// NewMockProvider returns a MockProvider that accepts every submission and walks
// each task through pending, first-track-ready and complete on successive Status calls.
func NewMockProvider() *MockProvider {
	var mu sync.Mutex
	calls := make(map[string]int)

	return &MockProvider{
		Name_: "mock",
		SubmitFunc: func(_ context.Context, req models.Submission) (string, error) {
			return "mock-" + uuid.NewString(), nil
		},
		StatusFunc: func(_ context.Context, kind models.Kind, taskID string) (models.ProviderReport, error) {
			mu.Lock()
			calls[taskID]++
			n := calls[taskID]
			mu.Unlock()

			if kind == models.KindLyrics {
				return models.ProviderReport{
					TaskID:         taskID,
					ProviderStatus: "SUCCESS",
					Tracks:         []models.Track{{ID: taskID + "-0", Title: "Mock Lyrics", Text: "[Verse]\nmock lyrics for testing"}},
				}, nil
			}

			first := models.Track{ID: taskID + "-a", Title: "Mock Track A", StreamURL: "https://mock.invalid/" + taskID + "/a.stream"}
			switch {
			case n <= 1:
				return models.ProviderReport{TaskID: taskID, ProviderStatus: "PENDING"}, nil
			case n == 2:
				return models.ProviderReport{TaskID: taskID, ProviderStatus: "FIRST_SUCCESS", Tracks: []models.Track{first}}, nil
			default:
				first.AudioURL = "https://mock.invalid/" + taskID + "/a.mp3"
				second := models.Track{
					ID: taskID + "-b", Title: "Mock Track B",
					StreamURL: "https://mock.invalid/" + taskID + "/b.stream",
					AudioURL:  "https://mock.invalid/" + taskID + "/b.mp3",
				}
				return models.ProviderReport{TaskID: taskID, ProviderStatus: "SUCCESS", Tracks: []models.Track{first, second}}, nil
			}
		},
	}
}

// NewFailingProvider returns a MockProvider whose Submit and Status always return err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		SubmitFunc: func(_ context.Context, _ models.Submission) (string, error) {
			return "", err
		},
		StatusFunc: func(_ context.Context, _ models.Kind, _ string) (models.ProviderReport, error) {
			return models.ProviderReport{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until the context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		SubmitFunc: func(ctx context.Context, _ models.Submission) (string, error) {
			<-ctx.Done()
			return "", models.ErrProviderTimeout
		},
		StatusFunc: func(ctx context.Context, _ models.Kind, _ string) (models.ProviderReport, error) {
			<-ctx.Done()
			return models.ProviderReport{}, models.ErrProviderTimeout
		},
	}
}

// Compile-time check that MockProvider implements GenerationProvider.
var _ models.GenerationProvider = (*MockProvider)(nil)
