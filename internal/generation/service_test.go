package generation_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/songforge/internal/cache"
	"github.com/kiranshivaraju/songforge/internal/entitlement"
	"github.com/kiranshivaraju/songforge/internal/generation"
	"github.com/kiranshivaraju/songforge/internal/ledger"
	"github.com/kiranshivaraju/songforge/internal/provider/mock"
	"github.com/kiranshivaraju/songforge/internal/reconcile"
	"github.com/kiranshivaraju/songforge/internal/signing"
	"github.com/kiranshivaraju/songforge/internal/store/memory"
	"github.com/kiranshivaraju/songforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "user-1"

const testCatalog = `
default_plan = "basic"

[[plans]]
name = "basic"
monthly_allowance = 10
models = ["V3_5", "V4"]
default_model = "V3_5"

[plans.costs]
text-to-music = 5
audio-to-music = 5
lyrics = 0

[[plans]]
name = "studio"
monthly_allowance = 100
models = ["V3_5", "V4", "V5"]
default_model = "V5"

[plans.costs]
text-to-music = 3
audio-to-music = 4
`

type fixture struct {
	svc      *generation.Service
	store    *memory.Store
	provider *mock.MockProvider
	signer   *signing.Signer
	cache    *cache.MemoryCache
}

func newFixture(t *testing.T, provider *mock.MockProvider) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "plans.toml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))
	catalog, err := entitlement.LoadCatalog(path)
	require.NoError(t, err)

	signer, err := signing.NewSigner(strings.Repeat("k", 32), time.Hour)
	require.NoError(t, err)

	st := memory.New()
	ca := cache.NewMemoryCache()
	rec := reconcile.New(st, reconcile.WithRetry(1, time.Millisecond), reconcile.WithCache(ca, time.Minute))

	svc := generation.NewService(
		entitlement.NewGate(catalog, st, st),
		ledger.New(st),
		provider,
		st,
		rec,
		ca,
		signer,
		generation.Options{
			CallbackBaseURL: "https://songforge.test/",
			StatusTTL:       time.Minute,
			LyricsWait:      200 * time.Millisecond,
			LyricsInterval:  10 * time.Millisecond,
		},
	)
	return &fixture{svc: svc, store: st, provider: provider, signer: signer, cache: ca}
}

func acceptingProvider(taskID string) *mock.MockProvider {
	return &mock.MockProvider{
		Name_: "mock",
		SubmitFunc: func(_ context.Context, _ models.Submission) (string, error) {
			return taskID, nil
		},
	}
}

func (f *fixture) fund(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.store.AdjustBalance(context.Background(), owner, amount)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	return b
}

func (f *fixture) seedCompleted(t *testing.T, n int) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.CreateTask(context.Background(), &models.Task{
			TaskID:      fmt.Sprintf("done-%d", i),
			OwnerID:     owner,
			Kind:        models.KindTextToMusic,
			Status:      models.StatusComplete,
			CreatedAt:   now,
			CompletedAt: &now,
		}))
	}
}

func textRequest() generation.SubmitRequest {
	return generation.SubmitRequest{
		OwnerID: owner,
		Kind:    models.KindTextToMusic,
		Inputs: models.Inputs{
			Title:  "Night Drive",
			Style:  "synthwave",
			Prompt: "neon lights over an empty highway",
		},
	}
}

func callbackToken(t *testing.T, sub models.Submission) string {
	t.Helper()
	u, err := url.Parse(sub.CallbackURL)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func ptr[T any](v T) *T { return &v }

// A first submission with remaining=2, balance=10 and cost=5.
func TestSubmit_DebitsAndCreatesPendingRecord(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	f.seedCompleted(t, 8)

	res, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	assert.Equal(t, "T1", res.TaskID)
	assert.Equal(t, models.StatusPending, res.Status)
	assert.Equal(t, int64(5), res.Cost)
	assert.Equal(t, 8, res.Quota.Used)
	assert.Equal(t, 10, res.Quota.Limit)
	assert.Equal(t, 2, res.Quota.Remaining)
	assert.Equal(t, int64(5), f.balance(t))

	task, err := f.store.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, owner, task.OwnerID)
	assert.Equal(t, int64(5), task.Cost)
	assert.True(t, task.LedgerDebited)
	assert.False(t, task.Refunded)
	assert.Empty(t, task.Tracks)

	subs := f.provider.Submissions()
	require.Len(t, subs, 1)
	assert.True(t, strings.HasPrefix(subs[0].CallbackURL, "https://songforge.test"+generation.CallbackPath+"?token="))
	claims, err := f.signer.Verify(callbackToken(t, subs[0]))
	require.NoError(t, err)
	assert.Equal(t, owner, claims.OwnerID)
	assert.Equal(t, models.KindTextToMusic, claims.Kind)

	events, err := f.store.ListEvents(context.Background(), "T1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventSubmitted, events[0].Type)
}

// A repeated track is not duplicated.
func TestPersist_PartialTracksAccumulate(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	a := models.Track{ID: "a", StreamURL: "https://cdn/a"}
	b := models.Track{ID: "b", StreamURL: "https://cdn/b"}

	res, err := f.svc.Persist(context.Background(), owner, "T1", "partial", []models.Track{a})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, res.Task.Status)
	assert.Len(t, res.Task.Tracks, 1)

	res, err = f.svc.Persist(context.Background(), owner, "T1", "partial", []models.Track{a, b})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, res.Task.Status)
	require.Len(t, res.Task.Tracks, 2)
	assert.Equal(t, "a", res.Task.Tracks[0].ID)
	assert.Equal(t, "b", res.Task.Tracks[1].ID)
}

// A failure callback refunds once, a later poll does not refund again.
func TestIngestCallback_FailureRefundsOnce(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.balance(t))

	token := callbackToken(t, f.provider.Submissions()[0])
	payload := []byte(`{"task_id":"T1","status":"GENERATE_AUDIO_FAILED","error":"provider crashed"}`)

	res, err := f.svc.IngestCallback(context.Background(), token, payload)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Task.Status)
	assert.True(t, res.Task.Refunded)
	assert.True(t, res.Outcome.Refunded)
	assert.Equal(t, int64(10), f.balance(t))

	// duplicate callback
	_, err = f.svc.IngestCallback(context.Background(), token, payload)
	require.NoError(t, err)

	res, err = f.svc.Persist(context.Background(), owner, "T1", "failed", nil)
	require.NoError(t, err)
	assert.False(t, res.Outcome.Refunded)
	assert.Equal(t, int64(10), f.balance(t))

	status, err := f.svc.Status(context.Background(), owner, "T1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status.Status)
}

func TestPersist_UnconfirmedFailureDoesNotRefund(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	a := models.Track{ID: "a", StreamURL: "https://cdn/a"}
	_, err = f.svc.Persist(context.Background(), owner, "T1", "partial", []models.Track{a})
	require.NoError(t, err)

	// the provider still reports the task as running
	res, err := f.svc.Persist(context.Background(), owner, "T1", "failed", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, res.Task.Status)
	assert.False(t, res.Task.Refunded)
	assert.False(t, res.Outcome.Refunded)
	assert.Len(t, res.Task.Tracks, 1)
	assert.Equal(t, int64(5), f.balance(t))
}

func TestPersist_FailureUnverifiableWhenProviderDown(t *testing.T) {
	p := acceptingProvider("T1")
	p.StatusFunc = func(context.Context, models.Kind, string) (models.ProviderReport, error) {
		return models.ProviderReport{}, errors.New("provider down")
	}
	f := newFixture(t, p)
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	res, err := f.svc.Persist(context.Background(), owner, "T1", "GENERATE_AUDIO_FAILED", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, res.Task.Status)
	assert.Equal(t, int64(5), f.balance(t))
}

func TestPersist_ConfirmedFailureRefunds(t *testing.T) {
	p := acceptingProvider("T1")
	p.StatusFunc = func(_ context.Context, _ models.Kind, taskID string) (models.ProviderReport, error) {
		return models.ProviderReport{TaskID: taskID, ProviderStatus: "SENSITIVE_WORD_ERROR", ErrorMessage: "lyrics rejected"}, nil
	}
	f := newFixture(t, p)
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	res, err := f.svc.Persist(context.Background(), owner, "T1", "failed", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Task.Status)
	assert.True(t, res.Outcome.Refunded)
	require.NotNil(t, res.Task.FailureReason)
	assert.Equal(t, "lyrics rejected", *res.Task.FailureReason)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestPersist_FailureForOtherOwnerIsNotFound(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	_, err = f.svc.Persist(context.Background(), "intruder", "T1", "failed", nil)
	assert.ErrorIs(t, err, generation.ErrNotFound)
	assert.Equal(t, int64(5), f.balance(t))
}

// Cover tuning fails validation after the debit.
func TestSubmit_CoverTuningRefundedOnValidationError(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)

	_, err := f.svc.Submit(context.Background(), generation.SubmitRequest{
		OwnerID: owner,
		Kind:    models.KindAudioToMusic,
		Inputs: models.Inputs{
			Prompt:         "make it jazz",
			SourceAudioURL: "https://uploads.test/ref.mp3",
			Tuning:         &models.Tuning{StyleWeight: ptr(1.5), VocalGender: "x"},
		},
	})

	var verr *generation.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "style_weight")
	assert.Contains(t, verr.Fields, "vocal_gender")
	assert.Equal(t, int64(10), f.balance(t))
	assert.Empty(t, f.provider.Submissions())

	_, err = f.store.GetTask(context.Background(), "T1")
	assert.Error(t, err)
}

func TestSubmit_CoverWithValidTuning(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)

	_, err := f.svc.Submit(context.Background(), generation.SubmitRequest{
		OwnerID: owner,
		Kind:    models.KindAudioToMusic,
		Inputs: models.Inputs{
			Instrumental:   true,
			SourceAudioURL: "https://uploads.test/ref.mp3",
			Tuning:         &models.Tuning{StyleWeight: ptr(0.5), AudioWeight: ptr(1.0), VocalGender: "f"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.balance(t))

	subs := f.provider.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, models.KindAudioToMusic, subs[0].Kind)
	assert.Equal(t, "f", subs[0].Inputs.Tuning.VocalGender)
}

// A late completion still lands after the client gave up.
func TestIngestCallback_LateCompletionAccepted(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	token := callbackToken(t, f.provider.Submissions()[0])
	payload := []byte(`{"task_id":"T1","status":"SUCCESS","tracks":[{"id":"a","audio_url":"https://cdn/a.mp3"},{"id":"b","audio_url":"https://cdn/b.mp3"}]}`)

	res, err := f.svc.IngestCallback(context.Background(), token, payload)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, res.Task.Status)
	assert.Len(t, res.Task.Tracks, 2)
	assert.NotNil(t, res.Task.CompletedAt)
	assert.Equal(t, int64(5), f.balance(t))
}

func TestSubmit_QuotaExceededBeforeDebit(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	f.seedCompleted(t, 10)

	_, err := f.svc.Submit(context.Background(), textRequest())
	assert.ErrorIs(t, err, entitlement.ErrQuotaExceeded)
	assert.Equal(t, int64(10), f.balance(t))
	assert.Empty(t, f.provider.Submissions())
}

func TestSubmit_InsufficientFundsBeforeSubmission(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 3)

	_, err := f.svc.Submit(context.Background(), textRequest())
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, int64(3), f.balance(t))
	assert.Empty(t, f.provider.Submissions())
}

func TestSubmit_MissingFieldsBeforeDebit(t *testing.T) {
	tests := []struct {
		name  string
		req   generation.SubmitRequest
		field string
	}{
		{
			name:  "text without title",
			req:   generation.SubmitRequest{OwnerID: owner, Kind: models.KindTextToMusic, Inputs: models.Inputs{Style: "rock", Prompt: "p"}},
			field: "title",
		},
		{
			name:  "text with vocals needs prompt",
			req:   generation.SubmitRequest{OwnerID: owner, Kind: models.KindTextToMusic, Inputs: models.Inputs{Title: "t", Style: "rock"}},
			field: "prompt",
		},
		{
			name:  "cover without source",
			req:   generation.SubmitRequest{OwnerID: owner, Kind: models.KindAudioToMusic, Inputs: models.Inputs{Instrumental: true}},
			field: "source_audio_url",
		},
		{
			name:  "cover with malformed source",
			req:   generation.SubmitRequest{OwnerID: owner, Kind: models.KindAudioToMusic, Inputs: models.Inputs{Instrumental: true, SourceAudioURL: "not a url"}},
			field: "source_audio_url",
		},
		{
			name:  "title too long",
			req:   generation.SubmitRequest{OwnerID: owner, Kind: models.KindTextToMusic, Inputs: models.Inputs{Title: strings.Repeat("t", 121), Style: "s", Instrumental: true}},
			field: "title",
		},
		{
			name:  "unknown kind",
			req:   generation.SubmitRequest{OwnerID: owner, Kind: "video", Inputs: models.Inputs{}},
			field: "kind",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, acceptingProvider("T1"))
			f.fund(t, 10)

			_, err := f.svc.Submit(context.Background(), tt.req)
			var verr *generation.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
			assert.Equal(t, int64(10), f.balance(t))
			assert.Empty(t, f.provider.Submissions())
		})
	}
}

func TestSubmit_ProviderRejectedRefunds(t *testing.T) {
	f := newFixture(t, mock.NewFailingProvider(fmt.Errorf("%w: code 430", models.ErrProviderRejected)))
	f.fund(t, 10)

	_, err := f.svc.Submit(context.Background(), textRequest())
	assert.ErrorIs(t, err, models.ErrProviderRejected)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestSubmit_EmptyTaskIDIsRejection(t *testing.T) {
	f := newFixture(t, acceptingProvider(""))
	f.fund(t, 10)

	_, err := f.svc.Submit(context.Background(), textRequest())
	assert.ErrorIs(t, err, models.ErrProviderRejected)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestSubmit_DuplicateTaskIDConflicts(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), textRequest())
	assert.ErrorIs(t, err, generation.ErrConflict)
	assert.Equal(t, int64(5), f.balance(t))
}

func TestSubmit_ModelDowngradedToPlanDefault(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)

	req := textRequest()
	req.Inputs.Model = "V5"
	res, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "V5", res.Requested)
	assert.Equal(t, "V3_5", res.Effective)
	assert.True(t, res.Adjusted)
	assert.Equal(t, "V3_5", f.provider.Submissions()[0].Inputs.EffectiveModel)
}

func TestSubmit_PlanCostsApply(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	require.NoError(t, f.svc.SetPlan(context.Background(), owner, "studio"))

	req := textRequest()
	req.Inputs.Model = "V5"
	res, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.Cost)
	assert.False(t, res.Adjusted)
	assert.Equal(t, int64(7), f.balance(t))
}

func TestLyrics_TruncatesPromptAndWaits(t *testing.T) {
	p := acceptingProvider("L1")
	p.StatusFunc = func(_ context.Context, kind models.Kind, taskID string) (models.ProviderReport, error) {
		return models.ProviderReport{
			TaskID:         taskID,
			ProviderStatus: "SUCCESS",
			Tracks:         []models.Track{{ID: taskID + "-0", Title: "Verse", Text: "la la la"}},
		}, nil
	}
	f := newFixture(t, p)

	res, err := f.svc.Lyrics(context.Background(), owner, strings.Repeat("é", 300))
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, res.Status)
	require.Len(t, res.Lyrics, 1)
	assert.Equal(t, "la la la", res.Lyrics[0].Text)
	assert.Equal(t, int64(0), f.balance(t))

	prompt := p.Submissions()[0].Inputs.Prompt
	assert.Equal(t, 200, utf8.RuneCountInString(prompt))
	assert.True(t, utf8.ValidString(prompt))

	task, err := f.store.GetTask(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, task.Status)
	assert.False(t, task.LedgerDebited)
}

func TestLyrics_TimeoutReturnsTaskID(t *testing.T) {
	p := acceptingProvider("L1")
	var calls atomic.Int32
	p.StatusFunc = func(_ context.Context, _ models.Kind, taskID string) (models.ProviderReport, error) {
		if calls.Add(1)%2 == 0 {
			return models.ProviderReport{}, models.ErrProviderUnavailable
		}
		return models.ProviderReport{TaskID: taskID, ProviderStatus: "PENDING"}, nil
	}
	f := newFixture(t, p)

	res, err := f.svc.Lyrics(context.Background(), owner, "a song about rain")
	assert.ErrorIs(t, err, generation.ErrTimeout)
	require.NotNil(t, res)
	assert.Equal(t, "L1", res.TaskID)
	assert.Equal(t, models.StatusPending, res.Status)
	assert.Greater(t, calls.Load(), int32(1))
}

func TestLyrics_ProviderFailure(t *testing.T) {
	p := acceptingProvider("L1")
	p.StatusFunc = func(_ context.Context, _ models.Kind, taskID string) (models.ProviderReport, error) {
		return models.ProviderReport{TaskID: taskID, ProviderStatus: "SENSITIVE_WORD_ERROR", ErrorMessage: "blocked"}, nil
	}
	f := newFixture(t, p)

	res, err := f.svc.Lyrics(context.Background(), owner, "something")
	assert.ErrorIs(t, err, generation.ErrProviderFailed)
	assert.Equal(t, models.StatusFailed, res.Status)
}

func TestLyrics_EmptyPrompt(t *testing.T) {
	f := newFixture(t, acceptingProvider("L1"))

	_, err := f.svc.Lyrics(context.Background(), owner, "   ")
	var verr *generation.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestIngestCallback_RejectsBadToken(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))

	_, err := f.svc.IngestCallback(context.Background(), "not-a-token", []byte(`{"task_id":"T1","status":"SUCCESS"}`))
	assert.ErrorIs(t, err, generation.ErrInvalidCallback)
}

func TestIngestCallback_OwnerMismatch(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	token, err := f.signer.Issue("someone-else", models.KindTextToMusic)
	require.NoError(t, err)

	_, err = f.svc.IngestCallback(context.Background(), token, []byte(`{"task_id":"T1","status":"failed"}`))
	assert.ErrorIs(t, err, generation.ErrCallbackForbidden)
	assert.Equal(t, int64(5), f.balance(t))
}

func TestIngestCallback_UnknownTask(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	token, err := f.signer.Issue(owner, models.KindTextToMusic)
	require.NoError(t, err)

	_, err = f.svc.IngestCallback(context.Background(), token, []byte(`{"task_id":"ghost","status":"SUCCESS"}`))
	assert.ErrorIs(t, err, reconcile.ErrUnknownTask)
}

func TestIngestCallback_MalformedPayload(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	token, err := f.signer.Issue(owner, models.KindTextToMusic)
	require.NoError(t, err)

	_, err = f.svc.IngestCallback(context.Background(), token, []byte(`{`))
	assert.ErrorIs(t, err, models.ErrInvalidResponse)
}

func TestGet_HidesOtherOwners(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), "intruder", "T1")
	assert.ErrorIs(t, err, generation.ErrNotFound)

	_, err = f.svc.Persist(context.Background(), "intruder", "T1", "SUCCESS", nil)
	assert.ErrorIs(t, err, generation.ErrNotFound)

	_, err = f.svc.Get(context.Background(), owner, "missing")
	assert.ErrorIs(t, err, generation.ErrNotFound)
}

func TestStatus_CachesProviderAnswer(t *testing.T) {
	p := acceptingProvider("T1")
	var calls atomic.Int32
	p.StatusFunc = func(_ context.Context, _ models.Kind, taskID string) (models.ProviderReport, error) {
		calls.Add(1)
		return models.ProviderReport{
			TaskID:         taskID,
			ProviderStatus: "FIRST_SUCCESS",
			Tracks:         []models.Track{{ID: "a", StreamURL: "https://cdn/a"}},
		}, nil
	}
	f := newFixture(t, p)
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	first, err := f.svc.Status(context.Background(), owner, "T1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, first.Status)
	assert.Equal(t, "FIRST_SUCCESS", first.ProviderStatus)
	require.Len(t, first.Tracks, 1)

	second, err := f.svc.Status(context.Background(), owner, "T1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	// the pull path never mutates the record
	task, err := f.store.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
}

func TestStatus_ProviderUnavailable(t *testing.T) {
	p := acceptingProvider("T1")
	p.StatusFunc = func(_ context.Context, _ models.Kind, _ string) (models.ProviderReport, error) {
		return models.ProviderReport{}, models.ErrProviderUnavailable
	}
	f := newFixture(t, p)
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)

	_, err = f.svc.Status(context.Background(), owner, "T1")
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}

func seedStale(t *testing.T, f *fixture, id string, age time.Duration) {
	t.Helper()
	_, err := f.store.AdjustBalance(context.Background(), owner, -5)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTask(context.Background(), &models.Task{
		TaskID:        id,
		OwnerID:       owner,
		Kind:          models.KindTextToMusic,
		Status:        models.StatusPending,
		Cost:          5,
		LedgerDebited: true,
		CreatedAt:     time.Now().UTC().Add(-age),
	}))
}

func TestSweepStale_FailsAndRefundsAbandonedTasks(t *testing.T) {
	p := acceptingProvider("unused")
	p.StatusFunc = func(_ context.Context, _ models.Kind, taskID string) (models.ProviderReport, error) {
		if taskID == "finished" {
			return models.ProviderReport{TaskID: taskID, ProviderStatus: "SUCCESS", Tracks: []models.Track{{ID: "x", AudioURL: "https://cdn/x"}}}, nil
		}
		if taskID == "unreachable" {
			return models.ProviderReport{}, errors.New("connection reset")
		}
		return models.ProviderReport{TaskID: taskID, ProviderStatus: "PENDING"}, nil
	}
	f := newFixture(t, p)
	f.fund(t, 20)
	seedStale(t, f, "abandoned", 3*time.Hour)
	seedStale(t, f, "unreachable", 3*time.Hour)
	seedStale(t, f, "finished", 3*time.Hour)
	seedStale(t, f, "fresh", time.Minute)
	assert.Equal(t, int64(0), f.balance(t))

	n, err := f.svc.SweepStale(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(10), f.balance(t))

	for id, want := range map[string]models.Status{
		"abandoned":   models.StatusFailed,
		"unreachable": models.StatusFailed,
		"finished":    models.StatusComplete,
		"fresh":       models.StatusPending,
	} {
		task, err := f.store.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, task.Status, id)
	}

	events, err := f.store.ListEvents(context.Background(), "abandoned")
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, models.EventSwept)
	assert.Contains(t, types, models.EventRefund)

	// a second sweep finds nothing left to do
	n, err = f.svc.SweepStale(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestCredits(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 42)
	f.seedCompleted(t, 10)

	c, err := f.svc.Credits(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.Balance)
	assert.Equal(t, "basic", c.Plan)
	assert.False(t, c.Quota.Allowed)
	assert.Equal(t, 0, c.Quota.Remaining)
	assert.Equal(t, []string{"V3_5", "V4"}, c.AllowedModels)
	assert.Equal(t, int64(5), c.Costs["text-to-music"])
}

func TestGrantAndSetPlan(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))

	balance, err := f.svc.Grant(context.Background(), owner, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)

	_, err = f.svc.Grant(context.Background(), owner, 0)
	var verr *generation.ValidationError
	assert.ErrorAs(t, err, &verr)

	err = f.svc.SetPlan(context.Background(), owner, "platinum")
	assert.ErrorAs(t, err, &verr)

	require.NoError(t, f.svc.SetPlan(context.Background(), owner, "studio"))
	c, err := f.svc.Credits(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, "studio", c.Plan)
}

func TestEvents_OwnerScoped(t *testing.T) {
	f := newFixture(t, acceptingProvider("T1"))
	f.fund(t, 10)
	_, err := f.svc.Submit(context.Background(), textRequest())
	require.NoError(t, err)
	_, err = f.svc.Persist(context.Background(), owner, "T1", "SUCCESS", []models.Track{{ID: "a", AudioURL: "https://cdn/a"}})
	require.NoError(t, err)

	events, err := f.svc.Events(context.Background(), owner, "T1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(events), 2)

	_, err = f.svc.Events(context.Background(), "intruder", "T1")
	assert.ErrorIs(t, err, generation.ErrNotFound)
}
