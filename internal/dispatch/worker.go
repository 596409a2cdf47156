package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"server/internal/domain"
	"server/internal/providers/veo"
)

// process runs one claimed job end to end: adapter call, artifact upload,
// finalization. The worker is the sole mutator of the job until a terminal
// state is written, and every step is safe to repeat after a requeue.
func (p *Pool) process(ctx context.Context, worker int, job *domain.VideoJob) {
	p.logger.Info().Int("worker", worker).Str("job_id", job.ID).Bool("mock_mode", job.MockMode).Msg("dispatch: picked job")

	req, err := p.buildRequest(ctx, job)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("failed to prepare generation request: %v", err), "Could not load uploaded reference images")
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()

	onProgress := func(percent int, message string) {
		if err := p.jobs.RecordProgress(ctx, job.ID, percent, message); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatch: progress update failed")
		}
	}

	result, err := p.generator.Generate(genCtx, req, onProgress)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown mid-generation: leave the job RUNNING for the sweep.
			p.logger.Warn().Str("job_id", job.ID).Msg("dispatch: generation interrupted by shutdown")
			return
		}
		errMsg, logMsg := describeFailure(err)
		p.fail(ctx, job, errMsg, logMsg)
		return
	}

	onProgress(90, "Uploading video to storage")

	key := fmt.Sprintf("generated/videos/%s/video%s", job.ID, extensionFor(result.ContentType))
	savedKey, err := p.store.Write(ctx, key, result.Data)
	if err != nil {
		// Distinct from a generation failure: the video exists but could not
		// be saved.
		p.fail(ctx, job,
			fmt.Sprintf("artifact upload failed: %v", err),
			"Video generated but upload to storage failed")
		return
	}

	applied, err := p.jobs.FinalizeSuccess(ctx, job.ID, p.store.URL(savedKey))
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatch: finalize failed")
		return
	}
	if !applied {
		p.logger.Warn().Str("job_id", job.ID).Msg("dispatch: job no longer running; result discarded")
		return
	}
	p.logger.Info().Int("worker", worker).Str("job_id", job.ID).Msg("dispatch: job succeeded")
}

// fail finalizes the job as FAILED and applies the optional refund. Only the
// caller that wins the terminal write refunds, so a charge is returned at
// most once.
func (p *Pool) fail(ctx context.Context, job *domain.VideoJob, errMsg, logMsg string) {
	applied, userID, tokens, err := p.jobs.FinalizeFailure(ctx, job.ID, errMsg, logMsg)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatch: finalize failure write failed")
		return
	}
	if !applied {
		p.logger.Warn().Str("job_id", job.ID).Msg("dispatch: job no longer running; failure discarded")
		return
	}
	p.logger.Error().Str("job_id", job.ID).Str("error", errMsg).Msg("dispatch: job failed")

	if p.cfg.RefundOnFailure && tokens > 0 {
		balance, err := p.ledger.Refund(ctx, userID, tokens)
		if err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Str("user_id", userID).Msg("dispatch: refund failed")
			return
		}
		p.logger.Info().Str("job_id", job.ID).Str("user_id", userID).Int("tokens", tokens).Int("balance", balance).Msg("dispatch: charge refunded")
	}
}

func (p *Pool) buildRequest(ctx context.Context, job *domain.VideoJob) (veo.GenerateRequest, error) {
	req := veo.GenerateRequest{
		JobID:         job.ID,
		Prompt:        job.Prompt,
		Model:         job.Model,
		Resolution:    job.Resolution,
		AspectRatio:   job.AspectRatio,
		GenerateAudio: job.GenerateAudio,
		MockMode:      job.MockMode,
	}
	if job.DurationSeconds != nil {
		req.DurationSeconds = *job.DurationSeconds
	}
	if job.MockMode {
		// The deterministic path never looks at reference frames.
		return req, nil
	}

	if job.InitialImageKey != "" {
		img, err := p.readImage(ctx, job.InitialImageKey)
		if err != nil {
			return veo.GenerateRequest{}, err
		}
		req.InitialImage = img
	}
	if job.EndFrameKey != "" {
		img, err := p.readImage(ctx, job.EndFrameKey)
		if err != nil {
			return veo.GenerateRequest{}, err
		}
		req.EndFrame = img
	}
	for _, key := range job.ReferenceImageKeys {
		img, err := p.readImage(ctx, key)
		if err != nil {
			return veo.GenerateRequest{}, err
		}
		req.ReferenceImages = append(req.ReferenceImages, *img)
	}
	return req, nil
}

func (p *Pool) readImage(ctx context.Context, key string) (*veo.ImageInput, error) {
	data, err := p.store.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return &veo.ImageInput{Data: data, MimeType: mimeForKey(key)}, nil
}

func describeFailure(err error) (errMsg, logMsg string) {
	switch veo.KindOf(err) {
	case veo.KindTimeout:
		return "generation timed out", "Generation timed out"
	case veo.KindTransient:
		return fmt.Sprintf("generation failed after retries: %v", err), "Generation failed after exhausting retries"
	default:
		return fmt.Sprintf("generation failed: %v", err), "Generation failed"
	}
}

func mimeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	default:
		return "image/png"
	}
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	default:
		return ".mp4"
	}
}
