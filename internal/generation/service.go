// Package generation orchestrates generation requests: it checks entitlements,
// debits credits, submits to the provider, records the task and routes every
// later observation through the reconciler.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/kiranshivaraju/songforge/internal/cache"
	"github.com/kiranshivaraju/songforge/internal/entitlement"
	"github.com/kiranshivaraju/songforge/internal/ledger"
	"github.com/kiranshivaraju/songforge/internal/reconcile"
	"github.com/kiranshivaraju/songforge/internal/signing"
	"github.com/kiranshivaraju/songforge/internal/store"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

const (
	// CallbackPath is where the provider posts task updates.
	CallbackPath = "/api/v1/callbacks/generation"

	maxLyricsPromptRunes = 200
)

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	CallbackBaseURL string
	StatusTTL       time.Duration
	ProviderTimeout time.Duration
	LyricsWait      time.Duration
	LyricsInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.StatusTTL <= 0 {
		o.StatusTTL = 5 * time.Second
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 30 * time.Second
	}
	if o.LyricsWait <= 0 {
		o.LyricsWait = 20 * time.Second
	}
	if o.LyricsInterval <= 0 {
		o.LyricsInterval = 2 * time.Second
	}
	o.CallbackBaseURL = strings.TrimRight(o.CallbackBaseURL, "/")
	return o
}

// Service is the generation orchestrator.
type Service struct {
	gate       *entitlement.Gate
	ledger     *ledger.Ledger
	provider   models.GenerationProvider
	store      store.Store
	reconciler *reconcile.Reconciler
	cache      cache.Cache
	signer     *signing.Signer
	validate   *validator.Validate
	opts       Options
	now        func() time.Time
}

// NewService creates a Service.
func NewService(
	gate *entitlement.Gate,
	ldg *ledger.Ledger,
	provider models.GenerationProvider,
	st store.Store,
	rec *reconcile.Reconciler,
	ca cache.Cache,
	signer *signing.Signer,
	opts Options,
) *Service {
	return &Service{
		gate:       gate,
		ledger:     ldg,
		provider:   provider,
		store:      st,
		reconciler: rec,
		cache:      ca,
		signer:     signer,
		validate:   newValidator(),
		opts:       opts.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SubmitRequest is a new generation request from an authenticated owner.
type SubmitRequest struct {
	OwnerID string
	Kind    models.Kind
	Inputs  models.Inputs
}

// SubmitResult describes an accepted submission.
type SubmitResult struct {
	TaskID string            `json:"task_id"`
	Kind   models.Kind       `json:"kind"`
	Status models.Status     `json:"status"`
	Cost   int64             `json:"cost"`
	Quota  entitlement.Quota `json:"quota"`
	entitlement.ModelChoice
}

// Submit runs the submission pipeline: quota check, input validation, debit,
// post-debit tuning validation, provider submission and record creation. Any
// failure after the debit refunds it before returning.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !req.Kind.Valid() {
		return nil, newValidationError("kind", "oneof=text-to-music audio-to-music lyrics")
	}

	plan, err := s.gate.PlanFor(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	quota, err := s.gate.CheckQuota(ctx, req.OwnerID, plan)
	if err != nil {
		return nil, err
	}

	inputs := req.Inputs
	var choice entitlement.ModelChoice
	if req.Kind == models.KindLyrics {
		inputs = models.Inputs{Prompt: truncateRunes(strings.TrimSpace(inputs.Prompt), maxLyricsPromptRunes)}
	} else {
		choice = s.gate.ResolveModel(plan, inputs.Model)
		inputs.Model = choice.Requested
		inputs.EffectiveModel = choice.Effective
	}
	if err := s.validateInputs(req.Kind, inputs); err != nil {
		return nil, err
	}

	cost := plan.Cost(req.Kind)
	if cost > 0 {
		if _, err := s.ledger.Debit(ctx, req.OwnerID, cost); err != nil {
			return nil, err
		}
	}

	// Cover tuning is only checked once the credits are held.
	if req.Kind == models.KindAudioToMusic && inputs.Tuning != nil {
		if err := s.validate.Struct(inputs.Tuning); err != nil {
			return nil, s.compensate(ctx, req.OwnerID, cost, fromValidator(err))
		}
	}

	token, err := s.signer.Issue(req.OwnerID, req.Kind)
	if err != nil {
		return nil, s.compensate(ctx, req.OwnerID, cost, fmt.Errorf("issue callback token: %w", err))
	}

	taskID, err := s.submitToProvider(ctx, models.Submission{
		Kind:        req.Kind,
		Inputs:      inputs,
		CallbackURL: s.callbackURL(token),
	})
	if err != nil {
		return nil, s.compensate(ctx, req.OwnerID, cost, err)
	}

	task := &models.Task{
		TaskID:        taskID,
		OwnerID:       req.OwnerID,
		Kind:          req.Kind,
		Inputs:        inputs,
		Status:        models.StatusPending,
		Tracks:        []models.Track{},
		Cost:          cost,
		LedgerDebited: cost > 0,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			err = fmt.Errorf("%w: %s", ErrConflict, taskID)
		} else {
			err = fmt.Errorf("create task %s: %w", taskID, err)
		}
		return nil, s.compensate(ctx, req.OwnerID, cost, err)
	}

	s.audit(ctx, &models.TaskEvent{
		TaskID:   taskID,
		OwnerID:  req.OwnerID,
		Type:     models.EventSubmitted,
		Source:   models.SourceSubmit,
		ToStatus: string(models.StatusPending),
	}, map[string]any{"cost": cost, "provider": s.provider.Name(), "effective_model": inputs.EffectiveModel})

	slog.Info("generation submitted",
		"task_id", taskID, "owner_id", req.OwnerID, "kind", req.Kind, "cost", cost,
		"model", inputs.EffectiveModel, "model_adjusted", choice.Adjusted)

	return &SubmitResult{
		TaskID:      taskID,
		Kind:        req.Kind,
		Status:      models.StatusPending,
		Cost:        cost,
		Quota:       quota,
		ModelChoice: choice,
	}, nil
}

func (s *Service) validateInputs(kind models.Kind, in models.Inputs) error {
	if err := s.validate.Struct(in); err != nil {
		return fromValidator(err)
	}

	missing := make(map[string]string)
	blank := func(v string) bool { return strings.TrimSpace(v) == "" }
	switch kind {
	case models.KindTextToMusic:
		if blank(in.Title) {
			missing["title"] = "required"
		}
		if blank(in.Style) {
			missing["style"] = "required"
		}
		if !in.Instrumental && blank(in.Prompt) {
			missing["prompt"] = "required"
		}
	case models.KindAudioToMusic:
		if blank(in.SourceAudioURL) {
			missing["source_audio_url"] = "required"
		}
		if !in.Instrumental && blank(in.Prompt) {
			missing["prompt"] = "required"
		}
	case models.KindLyrics:
		if blank(in.Prompt) {
			missing["prompt"] = "required"
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

func (s *Service) submitToProvider(ctx context.Context, sub models.Submission) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()

	taskID, err := s.provider.Submit(pctx, sub)
	if err != nil {
		return "", fmt.Errorf("submit %s to %s: %w", sub.Kind, s.provider.Name(), err)
	}
	if taskID == "" {
		return "", fmt.Errorf("submit %s to %s: %w: no task id", sub.Kind, s.provider.Name(), models.ErrProviderRejected)
	}
	return taskID, nil
}

func (s *Service) callbackURL(token string) string {
	return s.opts.CallbackBaseURL + CallbackPath + "?token=" + url.QueryEscape(token)
}

// compensate refunds a debit taken earlier in the same request and returns
// cause, joined with the refund error if the refund itself failed.
func (s *Service) compensate(ctx context.Context, ownerID string, cost int64, cause error) error {
	if cost <= 0 {
		return cause
	}
	if _, err := s.ledger.Refund(context.WithoutCancel(ctx), ownerID, cost); err != nil {
		slog.Error("compensating refund failed",
			"owner_id", ownerID, "cost", cost, "cause", cause, "error", err)
		return errors.Join(cause, fmt.Errorf("compensating refund: %w", err))
	}
	slog.Info("compensating refund issued", "owner_id", ownerID, "cost", cost, "cause", cause)
	return cause
}

// Get returns the stored task if it belongs to ownerID.
func (s *Service) Get(ctx context.Context, ownerID, taskID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if task.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return task, nil
}

// Status pulls the provider's view of a task. Terminal tasks are answered from
// the stored record; otherwise provider answers are cached for StatusTTL.
func (s *Service) Status(ctx context.Context, ownerID, taskID string) (*models.TaskStatus, error) {
	task, err := s.Get(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return &models.TaskStatus{TaskID: task.TaskID, Status: task.Status, Tracks: task.Tracks}, nil
	}

	key := cache.ProviderStatusKey(taskID)
	if cached, ok, err := s.cache.GetTaskStatus(ctx, key); err == nil && ok {
		return &cached, nil
	}

	report, err := s.pull(ctx, task)
	if err != nil {
		return nil, err
	}

	status := task.Status
	if mapped, ok := reconcile.MapStatus(report.ProviderStatus); ok && mapped.Rank() > status.Rank() {
		status = mapped
	}
	tracks := report.Tracks
	if tracks == nil {
		tracks = []models.Track{}
	}
	ts := models.TaskStatus{
		TaskID:         taskID,
		Status:         status,
		ProviderStatus: report.ProviderStatus,
		Tracks:         tracks,
	}
	if err := s.cache.SetTaskStatus(ctx, key, ts, s.opts.StatusTTL); err != nil {
		slog.Warn("failed to cache provider status", "task_id", taskID, "error", err)
	}
	return &ts, nil
}

func (s *Service) pull(ctx context.Context, task *models.Task) (models.ProviderReport, error) {
	pctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()

	report, err := s.provider.Status(pctx, task.Kind, task.TaskID)
	if err != nil {
		return models.ProviderReport{}, fmt.Errorf("query %s status of %s: %w", s.provider.Name(), task.TaskID, err)
	}
	return report, nil
}

// Persist feeds a client-observed status and tracks to the reconciler. A
// reported failure only counts once the provider confirms it.
func (s *Service) Persist(ctx context.Context, ownerID, taskID, providerStatus string, tracks []models.Track) (*reconcile.Result, error) {
	obs := reconcile.Observation{
		TaskID:         taskID,
		ProviderStatus: providerStatus,
		Tracks:         tracks,
		Source:         models.SourcePoll,
		OwnerID:        ownerID,
	}
	if mapped, ok := reconcile.MapStatus(providerStatus); ok && mapped == models.StatusFailed {
		if err := s.confirmFailure(ctx, &obs); err != nil {
			return nil, err
		}
	}

	res, err := s.reconciler.Observe(ctx, obs)
	switch {
	case errors.Is(err, reconcile.ErrUnknownTask), errors.Is(err, reconcile.ErrOwnerMismatch):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	case err != nil:
		return nil, err
	}
	return res, nil
}

// confirmFailure checks a client-reported failure against the provider. When
// the provider does not report the task as failed, or cannot be asked, the
// observation is reduced to a track-only merge so it cannot trigger a refund.
func (s *Service) confirmFailure(ctx context.Context, obs *reconcile.Observation) error {
	task, err := s.Get(ctx, obs.OwnerID, obs.TaskID)
	if err != nil {
		return err
	}
	if task.Status == models.StatusFailed {
		return nil
	}

	report, err := s.pull(ctx, task)
	if err != nil {
		slog.Warn("cannot confirm reported failure", "task_id", obs.TaskID, "error", err)
		obs.ProviderStatus = ""
		return nil
	}
	if mapped, ok := reconcile.MapStatus(report.ProviderStatus); ok && mapped == models.StatusFailed {
		obs.ProviderStatus = report.ProviderStatus
		obs.ErrorMessage = report.ErrorMessage
		return nil
	}
	slog.Warn("reported failure not confirmed by provider",
		"task_id", obs.TaskID, "provider_status", report.ProviderStatus)
	obs.ProviderStatus = ""
	return nil
}

// IngestCallback verifies a provider callback and feeds it to the reconciler.
// Duplicate and late callbacks are accepted. Callbacks for tasks that never
// appear return reconcile.ErrUnknownTask.
func (s *Service) IngestCallback(ctx context.Context, token string, payload []byte) (*reconcile.Result, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	report, err := s.provider.ParseCallback(payload)
	if err != nil {
		return nil, fmt.Errorf("parse callback: %w", err)
	}

	res, err := s.reconciler.Observe(ctx, reconcile.Observation{
		TaskID:         report.TaskID,
		ProviderStatus: report.ProviderStatus,
		Tracks:         report.Tracks,
		ErrorMessage:   report.ErrorMessage,
		Source:         models.SourceCallback,
		OwnerID:        claims.OwnerID,
	})
	if errors.Is(err, reconcile.ErrOwnerMismatch) {
		slog.Warn("callback owner mismatch", "task_id", report.TaskID, "token_owner", claims.OwnerID)
		return nil, fmt.Errorf("%w: %s", ErrCallbackForbidden, report.TaskID)
	}
	return res, err
}

// Events returns the audit trail of a task owned by ownerID.
func (s *Service) Events(ctx context.Context, ownerID, taskID string) ([]*models.TaskEvent, error) {
	if _, err := s.Get(ctx, ownerID, taskID); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", taskID, err)
	}
	return events, nil
}

// audit appends an event. Failures are logged and otherwise ignored.
func (s *Service) audit(ctx context.Context, event *models.TaskEvent, detail map[string]any) {
	if detail != nil {
		event.Detail, _ = json.Marshal(detail)
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		slog.Warn("failed to append task event", "task_id", event.TaskID, "type", event.Type, "error", err)
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
