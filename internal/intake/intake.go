package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/infra"
)

// SubmitParams is one validated-at-the-edge submission. MockMode is a pointer
// on purpose: callers must make a deliberate choice between test and real
// execution, so an absent value is rejected instead of defaulted.
type SubmitParams struct {
	Prompt             string
	Model              string `validate:"required"`
	Resolution         string `validate:"required,oneof=720p 1080p"`
	AspectRatio        string `validate:"required,oneof=16:9 9:16"`
	DurationSeconds    int    `validate:"omitempty,oneof=4 8"`
	GenerateAudio      bool
	MockMode           *bool `validate:"required"`
	InitialImageKey    string
	EndFrameKey        string
	ReferenceImageKeys []string `validate:"max=3"`
}

// Service admits video generation jobs: validate, check the per-user cap,
// debit the fixed cost, create the PENDING record, all without ever touching
// the remote service. Cap check, debit and insert run as one atomic statement
// so concurrent submissions cannot slip past the cap or get charged without a
// job.
type Service struct {
	jobs     *repo.VideoJobRepository
	cost     int
	cap      int
	logger   infra.Logger
	validate *validator.Validate
}

// NewService builds an intake service charging cost tokens per job and
// allowing cap simultaneous non-terminal jobs per user.
func NewService(jobs *repo.VideoJobRepository, cost, cap int, logger infra.Logger) *Service {
	return &Service{
		jobs:     jobs,
		cost:     cost,
		cap:      cap,
		logger:   logger,
		validate: validator.New(),
	}
}

// Validate checks a submission without admitting it. Submit revalidates, so
// callers can use this to reject a request before doing work tied to it, such
// as persisting attachments.
func (s *Service) Validate(p SubmitParams) error {
	return s.validateParams(p)
}

// Submit validates and admits a job for userID. On rejection no job row
// exists and no tokens were charged; on success the returned job is PENDING
// with tokensConsumed set to the fixed cost.
func (s *Service) Submit(ctx context.Context, userID string, p SubmitParams) (*domain.VideoJob, error) {
	if err := s.validateParams(p); err != nil {
		return nil, err
	}

	job, err := s.jobs.Admit(ctx, repo.AdmitParams{
		JobID:              uuid.NewString(),
		UserID:             userID,
		Prompt:             p.Prompt,
		Model:              p.Model,
		Resolution:         p.Resolution,
		AspectRatio:        p.AspectRatio,
		DurationSeconds:    p.DurationSeconds,
		GenerateAudio:      p.GenerateAudio,
		MockMode:           *p.MockMode,
		InitialImageKey:    p.InitialImageKey,
		EndFrameKey:        p.EndFrameKey,
		ReferenceImageKeys: p.ReferenceImageKeys,
		Cost:               s.cost,
		Cap:                s.cap,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyLimit) {
			s.logger.Info().Str("user_id", userID).Msg("intake: submission rejected by concurrency cap")
		}
		var insufficient *domain.InsufficientTokensError
		if errors.As(err, &insufficient) {
			s.logger.Info().Str("user_id", userID).Int("cost", insufficient.Cost).Int("available", insufficient.Available).Msg("intake: submission rejected by balance")
		}
		return nil, err
	}

	s.logger.Info().Str("job_id", job.ID).Str("user_id", userID).Bool("mock_mode", job.MockMode).Msg("intake: job admitted")
	return job, nil
}

func (s *Service) validateParams(p SubmitParams) error {
	if p.MockMode == nil {
		return domain.NewValidationError("mockMode is required and must be explicitly true or false")
	}

	if err := s.validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return validationMessage(fieldErrs[0])
		}
		return domain.NewValidationError("invalid parameters")
	}

	hasPrompt := p.Prompt != ""
	hasInitialImage := p.InitialImageKey != ""
	if hasPrompt == hasInitialImage {
		if hasPrompt {
			return domain.NewValidationError("provide either 'prompt' or 'initialImage', not both")
		}
		return domain.NewValidationError("either 'prompt' or 'initialImage' is required")
	}

	return nil
}

func validationMessage(fe validator.FieldError) *domain.ValidationError {
	switch fe.Field() {
	case "Model":
		return domain.NewValidationError("model is required")
	case "Resolution":
		return domain.NewValidationError("resolution must be '720p' or '1080p'")
	case "AspectRatio":
		return domain.NewValidationError("aspect ratio must be '16:9' or '9:16'")
	case "DurationSeconds":
		return domain.NewValidationError("durationSeconds must be 4 or 8")
	case "ReferenceImageKeys":
		return domain.NewValidationError("at most 3 reference images are allowed")
	case "MockMode":
		return domain.NewValidationError("mockMode is required and must be explicitly true or false")
	default:
		return domain.NewValidationError(fmt.Sprintf("invalid value for %s", fe.Field()))
	}
}
