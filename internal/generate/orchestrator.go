package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pixelmint/pixelmint/internal/analytics"
	"github.com/pixelmint/pixelmint/internal/artifact"
	"github.com/pixelmint/pixelmint/internal/ledger"
	"github.com/pixelmint/pixelmint/internal/storage"
	"github.com/pixelmint/pixelmint/pkg/provider"
	"go.uber.org/zap"
)

// Kind is a supported generation kind.
type Kind string

const (
	KindTextToImage  Kind = "text_to_image"
	KindImageToImage Kind = "image_to_image"
	KindUpscale      Kind = "upscale"
	KindVideo        Kind = "video"
)

// State is one stage of the generation lifecycle.
type State int

const (
	StateChecking State = iota
	StateSubmitting
	StatePolling
	StatePersisting
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateSubmitting:
		return "submitting"
	case StatePolling:
		return "polling"
	case StatePersisting:
		return "persisting"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// failurePrefix wraps provider error text so raw messages never leak
// unfiltered to callers.
const failurePrefix = "generation failed"

// KindConfig pins cost, endpoint, limiter class, poll budget, and billing
// mode for one generation kind.
type KindConfig struct {
	Cost            int64
	Endpoint        string
	LimiterClass    string
	PollMaxAttempts int
	PollInterval    time.Duration
	Prepaid         bool // debit before submit, refund on failure
	Category        string
}

// ProviderClient is the narrow client surface the orchestrator needs, so
// tests can substitute fakes.
type ProviderClient interface {
	CreateJob(ctx context.Context, class, endpoint string, payload interface{}) (*provider.Job, error)
	Poll(ctx context.Context, job *provider.Job, maxAttempts int, interval time.Duration) (*provider.Result, error)
}

// ArtifactPersister persists a provider output URL to durable storage.
type ArtifactPersister interface {
	Persist(ctx context.Context, externalURL string, ownerID int64, category string) (*artifact.StoredArtifact, error)
}

// CreditLedger is the ledger surface the orchestrator consumes.
type CreditLedger interface {
	GetOrCreate(ctx context.Context, userID int64) (*storage.CreditAccount, error)
	Debit(ctx context.Context, userID, amount int64, description, referenceID, referenceType string) (*ledger.MutationResult, error)
	Refund(ctx context.Context, userID, amount int64, description, referenceID, reason string) (*ledger.MutationResult, error)
}

// Request is a validated generation request with an already-authenticated
// user identity.
type Request struct {
	UserID   int64
	Kind     Kind
	Prompt   string
	ImageURL string // source image for image_to_image / upscale
	Settings map[string]interface{}
}

// InsufficientCredits is the structured business result returned when the
// pre-flight check fails. The provider is never contacted in that case.
type InsufficientCredits struct {
	Required  int64 `json:"required"`
	Current   int64 `json:"current"`
	Shortfall int64 `json:"shortfall"`
}

// Result is the terminal outcome of one generation request.
type Result struct {
	GenerationID string
	Status       storage.GenerationStatus
	StorageKey   string
	StorageURL   string
	CreditsUsed  int64
	ErrorMessage string
	Insufficient *InsufficientCredits
}

// Orchestrator composes the ledger, provider client, and artifact persister
// into the generation state machine. Credits only move after a usable
// artifact exists, except for prepaid kinds which debit up front and refund
// on failure.
type Orchestrator struct {
	ledger      CreditLedger
	client      ProviderClient
	persister   ArtifactPersister
	generations *storage.GenerationStore
	notifier    *analytics.Notifier
	kinds       map[Kind]KindConfig
	logger      *zap.Logger
}

func NewOrchestrator(
	creditLedger CreditLedger,
	client ProviderClient,
	persister ArtifactPersister,
	generations *storage.GenerationStore,
	notifier *analytics.Notifier,
	kinds map[Kind]KindConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		ledger:      creditLedger,
		client:      client,
		persister:   persister,
		generations: generations,
		notifier:    notifier,
		kinds:       kinds,
		logger:      logger,
	}
}

// Kinds returns the configured generation kinds.
func (o *Orchestrator) Kinds() map[Kind]KindConfig {
	return o.kinds
}

func (o *Orchestrator) buildPayload(req Request) map[string]interface{} {
	payload := make(map[string]interface{}, len(req.Settings)+2)
	for k, v := range req.Settings {
		payload[k] = v
	}
	if req.Prompt != "" {
		payload["prompt"] = req.Prompt
	}
	if req.ImageURL != "" {
		payload["image_url"] = req.ImageURL
	}
	return payload
}

// Generate drives one request through
// Checking -> Submitting -> Polling -> Persisting -> Finalizing.
// Business failures (insufficient credits, provider failure, timeout) come
// back in the Result; the error return is reserved for infrastructure
// faults the caller cannot present to a user.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	cfg, ok := o.kinds[req.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported generation kind %q", req.Kind)
	}
	started := time.Now()

	// Checking: never contact the provider for work that cannot be paid for.
	account, err := o.ledger.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("credit check failed: %w", err)
	}
	if account.Balance < cfg.Cost {
		o.logger.Info("generation blocked on insufficient credits",
			zap.Int64("user_id", req.UserID),
			zap.String("kind", string(req.Kind)),
			zap.Int64("required", cfg.Cost),
			zap.Int64("current", account.Balance))
		return &Result{
			Status: storage.GenerationFailed,
			Insufficient: &InsufficientCredits{
				Required:  cfg.Cost,
				Current:   account.Balance,
				Shortfall: cfg.Cost - account.Balance,
			},
		}, nil
	}

	settingsJSON, _ := json.Marshal(req.Settings)
	gen := &storage.Generation{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		GenerationType: string(req.Kind),
		Status:         storage.GenerationPending,
		Prompt:         req.Prompt,
		Settings:       string(settingsJSON),
	}
	if err := o.generations.Create(ctx, gen); err != nil {
		return nil, err
	}

	// Prepaid kinds debit before submitting; every later failure path runs
	// the compensating refund keyed by the generation id.
	if cfg.Prepaid {
		if _, err := o.ledger.Debit(ctx, req.UserID, cfg.Cost,
			fmt.Sprintf("%s generation", req.Kind), gen.ID, "generation"); err != nil {
			var insufficient *ledger.InsufficientCreditsError
			if errors.As(err, &insufficient) {
				// Balance moved between check and debit. Nothing was
				// debited, so there is nothing to refund.
				if markErr := o.generations.MarkFailed(ctx, gen.ID, "insufficient credits"); markErr != nil {
					o.logger.Error("failed to mark generation failed", zap.String("generation_id", gen.ID), zap.Error(markErr))
				}
				o.dispatch(req, gen.ID, string(storage.GenerationFailed), 0, started)
				return &Result{
					GenerationID: gen.ID,
					Status:       storage.GenerationFailed,
					Insufficient: &InsufficientCredits{
						Required:  insufficient.Required,
						Current:   insufficient.Current,
						Shortfall: insufficient.Shortfall(),
					},
				}, nil
			}
			return nil, fmt.Errorf("prepaid debit failed: %w", err)
		}
	}

	// Submitting.
	job, err := o.client.CreateJob(ctx, cfg.LimiterClass, cfg.Endpoint, o.buildPayload(req))
	if err != nil {
		return o.fail(ctx, gen, cfg, req, started, fmt.Sprintf("%s: submission error: %v", failurePrefix, err)), nil
	}
	if err := o.generations.SetProviderRequestID(ctx, gen.ID, job.ProviderID); err != nil {
		o.logger.Warn("failed to record provider request id", zap.String("generation_id", gen.ID), zap.Error(err))
	}

	// Polling.
	pollRes, err := o.client.Poll(ctx, job, cfg.PollMaxAttempts, cfg.PollInterval)
	if err != nil {
		var failed *provider.JobFailedError
		switch {
		case errors.As(err, &failed):
			return o.fail(ctx, gen, cfg, req, started, fmt.Sprintf("%s: %s", failurePrefix, failed.Message)), nil
		case errors.Is(err, provider.ErrTimedOut):
			return o.fail(ctx, gen, cfg, req, started, fmt.Sprintf("%s: timed out waiting for the provider", failurePrefix)), nil
		default:
			return o.fail(ctx, gen, cfg, req, started, fmt.Sprintf("%s: %v", failurePrefix, err)), nil
		}
	}
	if len(pollRes.Outputs) == 0 {
		return o.fail(ctx, gen, cfg, req, started, fmt.Sprintf("%s: provider returned no output", failurePrefix)), nil
	}

	// Persisting: the job succeeded at the provider, but only a durable
	// artifact makes the generation billable.
	art, err := o.persister.Persist(ctx, pollRes.Outputs[0], req.UserID, cfg.Category)
	if err != nil {
		return o.fail(ctx, gen, cfg, req, started, fmt.Sprintf("%s: storage error: %v", failurePrefix, err)), nil
	}

	// Finalizing: record completion, then move credits.
	if err := o.generations.MarkCompleted(ctx, gen.ID, art.StorageKey, art.StorageURL); err != nil {
		return nil, err
	}

	creditsUsed := cfg.Cost
	if !cfg.Prepaid {
		if _, err := o.ledger.Debit(ctx, req.UserID, cfg.Cost,
			fmt.Sprintf("%s generation", req.Kind), gen.ID, "generation"); err != nil {
			// The artifact exists and the generation is completed; the debit
			// is reconciled by the completed-but-unbilled sweep rather than
			// rolled back.
			o.logger.Error("debit failed after completed generation, needs reconciliation",
				zap.String("generation_id", gen.ID),
				zap.Int64("user_id", req.UserID),
				zap.Error(err))
			creditsUsed = 0
		}
	}
	if creditsUsed > 0 {
		if err := o.generations.SetCreditsUsed(ctx, gen.ID, creditsUsed); err != nil {
			o.logger.Warn("failed to record credits used", zap.String("generation_id", gen.ID), zap.Error(err))
		}
	}

	o.dispatch(req, gen.ID, string(storage.GenerationCompleted), creditsUsed, started)
	o.logger.Info("generation completed",
		zap.String("generation_id", gen.ID),
		zap.Int64("user_id", req.UserID),
		zap.String("kind", string(req.Kind)),
		zap.Int64("credits_used", creditsUsed),
		zap.Duration("duration", time.Since(started)))

	return &Result{
		GenerationID: gen.ID,
		Status:       storage.GenerationCompleted,
		StorageKey:   art.StorageKey,
		StorageURL:   art.StorageURL,
		CreditsUsed:  creditsUsed,
	}, nil
}

// fail marks the generation failed, refunds prepaid debits, and reports the
// terminal result. Postpaid failures are a pure no-op on the ledger.
func (o *Orchestrator) fail(ctx context.Context, gen *storage.Generation, cfg KindConfig, req Request, started time.Time, message string) *Result {
	o.markFailed(ctx, gen, cfg, req, started, message)
	return &Result{
		GenerationID: gen.ID,
		Status:       storage.GenerationFailed,
		ErrorMessage: message,
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, gen *storage.Generation, cfg KindConfig, req Request, started time.Time, message string) {
	if err := o.generations.MarkFailed(ctx, gen.ID, message); err != nil {
		o.logger.Error("failed to mark generation failed", zap.String("generation_id", gen.ID), zap.Error(err))
	}
	if cfg.Prepaid {
		if _, err := o.ledger.Refund(ctx, req.UserID, cfg.Cost,
			fmt.Sprintf("refund for failed %s generation", req.Kind), gen.ID, "generation_failure"); err != nil {
			o.logger.Error("compensating refund failed, needs reconciliation",
				zap.String("generation_id", gen.ID),
				zap.Int64("user_id", req.UserID),
				zap.Error(err))
		}
	}
	o.dispatch(req, gen.ID, string(storage.GenerationFailed), 0, started)
}

func (o *Orchestrator) dispatch(req Request, generationID, status string, credits int64, started time.Time) {
	if o.notifier == nil {
		return
	}
	o.notifier.Dispatch(analytics.UsageEvent{
		UserID:       req.UserID,
		GenerationID: generationID,
		Kind:         string(req.Kind),
		Status:       status,
		Credits:      credits,
		Duration:     time.Since(started),
	})
}
