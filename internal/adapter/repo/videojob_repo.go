package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// VideoJobRepository is the durable job store and queue. Every mutation is a
// single SQL statement, so no partial update is ever visible to readers.
type VideoJobRepository struct {
	sql infra.SQLExecutor
}

// NewVideoJobRepository creates a job repository backed by PostgreSQL.
func NewVideoJobRepository(sql infra.SQLExecutor) *VideoJobRepository {
	return &VideoJobRepository{sql: sql}
}

// AdmitParams carries a validated submission into the atomic admission
// statement.
type AdmitParams struct {
	JobID              string
	UserID             string
	Prompt             string
	Model              string
	Resolution         string
	AspectRatio        string
	DurationSeconds    int
	GenerateAudio      bool
	MockMode           bool
	InitialImageKey    string
	EndFrameKey        string
	ReferenceImageKeys []string
	Cost               int
	Cap                int
}

// Admit runs the check-cap/debit/insert sequence and reports the outcome.
// On rejection no job row exists and no charge was taken.
func (r *VideoJobRepository) Admit(ctx context.Context, p AdmitParams) (*domain.VideoJob, error) {
	refKeys, err := json.Marshal(orEmpty(p.ReferenceImageKeys))
	if err != nil {
		return nil, fmt.Errorf("encode reference image keys: %w", err)
	}

	row := r.sql.QueryRow(ctx, sqlinline.QAdmitVideoJob,
		p.JobID,
		p.UserID,
		p.Prompt,
		p.Model,
		p.Resolution,
		p.AspectRatio,
		p.DurationSeconds,
		p.GenerateAudio,
		p.MockMode,
		p.InitialImageKey,
		p.EndFrameKey,
		refKeys,
		p.Cost,
		p.Cap,
	)

	var (
		activeJobs *int
		balance    *int
		jobID      *string
	)
	if err := row.Scan(&activeJobs, &balance, &jobID); err != nil {
		return nil, fmt.Errorf("admit video job: %w", err)
	}

	if jobID != nil {
		return r.GetByID(ctx, *jobID)
	}
	if activeJobs == nil {
		// No account row, so no tokens either.
		return nil, &domain.InsufficientTokensError{Cost: p.Cost, Available: 0}
	}
	if *activeJobs >= p.Cap {
		return nil, domain.ErrConcurrencyLimit
	}
	if balance != nil && *balance < p.Cost {
		return nil, &domain.InsufficientTokensError{Cost: p.Cost, Available: *balance}
	}
	// The snapshot passed both checks but the debit applied nothing: a
	// concurrent submission took the last slot between snapshot and update.
	return nil, domain.ErrConcurrencyLimit
}

// Claim transfers the oldest PENDING job to RUNNING and returns it, or
// domain.ErrNotFound when the queue is empty.
func (r *VideoJobRepository) Claim(ctx context.Context) (*domain.VideoJob, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QClaimVideoJob)

	var (
		job      domain.VideoJob
		prompt   *string
		duration *int
		initial  *string
		endFrame *string
		refKeys  []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&prompt,
		&job.Model,
		&job.Resolution,
		&job.AspectRatio,
		&duration,
		&job.GenerateAudio,
		&job.MockMode,
		&initial,
		&endFrame,
		&refKeys,
		&job.ProgressPercentage,
		&job.TokensConsumed,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("claim video job: %w", err)
	}

	job.Status = domain.JobStatusRunning
	job.Prompt = deref(prompt)
	job.DurationSeconds = duration
	job.InitialImageKey = deref(initial)
	job.EndFrameKey = deref(endFrame)
	if err := decodeJSON(refKeys, &job.ReferenceImageKeys); err != nil {
		return nil, fmt.Errorf("decode reference image keys: %w", err)
	}
	return &job, nil
}

// RecordProgress persists a progress milestone. Writes against jobs no longer
// RUNNING are silently dropped.
func (r *VideoJobRepository) RecordProgress(ctx context.Context, jobID string, percent int, message string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QRecordJobProgress, jobID, percent, message)
	return err
}

// FinalizeSuccess moves a RUNNING job to SUCCEEDED. Returns false when the
// job was cancelled or requeued underneath the worker; the result must then
// be discarded.
func (r *VideoJobRepository) FinalizeSuccess(ctx context.Context, jobID, artifactURL string) (bool, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QFinalizeJobSuccess, jobID, artifactURL)
	var id string
	if err := row.Scan(&id); err != nil {
		if infra.IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("finalize success: %w", err)
	}
	return true, nil
}

// FinalizeFailure moves a RUNNING job to FAILED, leaving progress at its last
// reported value. Returns false for jobs cancelled or requeued underneath the
// worker; such late errors must be discarded. The owner and charge go to the
// single caller that won the finalization, for the optional refund.
func (r *VideoJobRepository) FinalizeFailure(ctx context.Context, jobID, errorMessage, logMessage string) (bool, string, int, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QFinalizeJobFailure, jobID, errorMessage, logMessage)
	var (
		userID string
		tokens int
	)
	if err := row.Scan(&userID, &tokens); err != nil {
		if infra.IsNoRows(err) {
			return false, "", 0, nil
		}
		return false, "", 0, fmt.Errorf("finalize failure: %w", err)
	}
	return true, userID, tokens, nil
}

// Cancel moves a PENDING or RUNNING job to CANCELLED. Returns false when the
// job already reached a terminal state.
func (r *VideoJobRepository) Cancel(ctx context.Context, jobID string) (bool, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QCancelVideoJob, jobID)
	var id string
	if err := row.Scan(&id); err != nil {
		if infra.IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("cancel video job: %w", err)
	}
	return true, nil
}

// GetByID fetches a job by its identifier.
func (r *VideoJobRepository) GetByID(ctx context.Context, jobID string) (*domain.VideoJob, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QGetVideoJob, jobID)
	job, err := scanJob(row.Scan, nil)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get video job: %w", err)
	}
	return job, nil
}

// List returns one page of a user's jobs, newest first, optionally filtered by
// status, along with the unpaged total.
func (r *VideoJobRepository) List(ctx context.Context, userID string, status domain.JobStatus, limit, offset int) ([]domain.VideoJob, int, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListVideoJobs, userID, string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list video jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListAll returns one page across all users, newest first. Serves the public
// monitor view.
func (r *VideoJobRepository) ListAll(ctx context.Context, limit, offset int) ([]domain.VideoJob, int, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListAllVideoJobs, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list all video jobs: %w", err)
	}
	return collectJobs(rows)
}

// Delete removes the job record only; already-uploaded artifacts stay
// reachable at their issued URLs.
func (r *VideoJobRepository) Delete(ctx context.Context, jobID string) error {
	row := r.sql.QueryRow(ctx, sqlinline.QDeleteVideoJob, jobID)
	var id string
	if err := row.Scan(&id); err != nil {
		if infra.IsNoRows(err) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("delete video job: %w", err)
	}
	return nil
}

// RequeueStale returns RUNNING jobs whose last update is older than the
// threshold back to PENDING and reports their ids.
func (r *VideoJobRepository) RequeueStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QRequeueStaleJobs, int(olderThan.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan requeued job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectJobs(rows pgx.Rows) ([]domain.VideoJob, int, error) {
	defer rows.Close()

	var (
		jobs  []domain.VideoJob
		total int
	)
	for rows.Next() {
		job, err := scanJob(rows.Scan, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan video job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func scanJob(scan func(dest ...any) error, total *int) (*domain.VideoJob, error) {
	var (
		job       domain.VideoJob
		prompt    *string
		duration  *int
		initial   *string
		endFrame  *string
		refKeys   []byte
		statusMsg *string
		errorMsg  *string
		logs      []byte
		artifact  *string
	)

	dest := []any{
		&job.ID,
		&job.UserID,
		&prompt,
		&job.Model,
		&job.Resolution,
		&job.AspectRatio,
		&duration,
		&job.GenerateAudio,
		&job.MockMode,
		&initial,
		&endFrame,
		&refKeys,
		&job.Status,
		&statusMsg,
		&errorMsg,
		&job.ProgressPercentage,
		&logs,
		&artifact,
		&job.TokensConsumed,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	}
	if total != nil {
		dest = append(dest, total)
	}
	if err := scan(dest...); err != nil {
		return nil, err
	}

	job.Prompt = deref(prompt)
	job.DurationSeconds = duration
	job.InitialImageKey = deref(initial)
	job.EndFrameKey = deref(endFrame)
	job.StatusMessage = deref(statusMsg)
	job.ErrorMessage = deref(errorMsg)
	job.ArtifactURL = deref(artifact)
	if err := decodeJSON(refKeys, &job.ReferenceImageKeys); err != nil {
		return nil, fmt.Errorf("decode reference image keys: %w", err)
	}
	if err := decodeJSON(logs, &job.Logs); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	if job.Logs == nil {
		job.Logs = []domain.LogEntry{}
	}
	return &job, nil
}

func decodeJSON(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orEmpty(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
