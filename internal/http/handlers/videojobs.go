package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"server/internal/domain"
	"server/internal/intake"
)

const maxUploadBytes = 64 << 20

type jobListResponse struct {
	Jobs  []domain.VideoJob `json:"jobs"`
	Total int               `json:"total"`
}

// VideoJobsCreate admits a new generation job. The request is multipart so
// reference frames can ride along with the text fields. A 202 means the job
// row exists and tokens were debited; nothing has been sent to the remote
// service yet.
func (a *App) VideoJobsCreate(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.currentIdentity(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid multipart payload")
		return
	}

	params := intake.SubmitParams{
		Prompt:      strings.TrimSpace(r.FormValue("prompt")),
		Model:       strings.TrimSpace(r.FormValue("model")),
		Resolution:  strings.TrimSpace(r.FormValue("resolution")),
		AspectRatio: strings.TrimSpace(r.FormValue("aspectRatio")),
	}

	if v := r.FormValue("mockMode"); v != "" {
		mock, err := strconv.ParseBool(v)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "mockMode must be 'true' or 'false'")
			return
		}
		params.MockMode = &mock
	}
	if v := r.FormValue("generateAudio"); v != "" {
		audio, err := strconv.ParseBool(v)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "generateAudio must be 'true' or 'false'")
			return
		}
		params.GenerateAudio = audio
	}
	if v := r.FormValue("durationSeconds"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "durationSeconds must be a number")
			return
		}
		params.DurationSeconds = seconds
	}

	// Keys are assigned before anything is written so the whole submission can
	// be validated first. A rejected request leaves no files behind.
	uploadPrefix := "uploads/" + uuid.NewString()
	initialFile := firstFile(r.MultipartForm, "initialImage")
	endFile := firstFile(r.MultipartForm, "endFrame")
	refFiles := r.MultipartForm.File["referenceImages"]
	if initialFile != nil {
		params.InitialImageKey = uploadPrefix + "/initialImage" + uploadExtension(initialFile.Filename)
	}
	if endFile != nil {
		params.EndFrameKey = uploadPrefix + "/endFrame" + uploadExtension(endFile.Filename)
	}
	for i, fh := range refFiles {
		params.ReferenceImageKeys = append(params.ReferenceImageKeys,
			fmt.Sprintf("%s/reference-%d%s", uploadPrefix, i, uploadExtension(fh.Filename)))
	}

	if err := a.Intake.Validate(params); err != nil {
		a.submitError(w, err)
		return
	}

	var saved []string
	persist := func(fh *multipart.FileHeader, key string) bool {
		if err := a.storeUpload(r.Context(), fh, key); err != nil {
			a.discardUploads(r.Context(), saved)
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return false
		}
		saved = append(saved, key)
		return true
	}
	if initialFile != nil && !persist(initialFile, params.InitialImageKey) {
		return
	}
	if endFile != nil && !persist(endFile, params.EndFrameKey) {
		return
	}
	for i, fh := range refFiles {
		if !persist(fh, params.ReferenceImageKeys[i]) {
			return
		}
	}

	job, err := a.Intake.Submit(r.Context(), ident.UserID, params)
	if err != nil {
		a.discardUploads(r.Context(), saved)
		a.submitError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, job)
}

func (a *App) submitError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		a.error(w, http.StatusBadRequest, "bad_request", ve.Message)
		return
	}
	var insufficient *domain.InsufficientTokensError
	if errors.As(err, &insufficient) {
		a.json(w, http.StatusPaymentRequired, map[string]any{"error": map[string]any{
			"code":            "insufficient_tokens",
			"message":         insufficient.Error(),
			"cost":            insufficient.Cost,
			"availableTokens": insufficient.Available,
		}})
		return
	}
	if errors.Is(err, domain.ErrConcurrencyLimit) {
		a.error(w, http.StatusTooManyRequests, "concurrency_limit", "too many active jobs; wait for one to finish")
		return
	}
	a.error(w, http.StatusInternalServerError, "internal", "failed to create video job")
}

// VideoJobsList returns one page of the caller's jobs. Admins may pass
// user_id to inspect another user's queue.
func (a *App) VideoJobsList(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.currentIdentity(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	userID := ident.UserID
	if requested := r.URL.Query().Get("user_id"); requested != "" && requested != ident.UserID {
		if !ident.IsAdmin() {
			a.error(w, http.StatusForbidden, "forbidden", "cannot list another user's jobs")
			return
		}
		userID = requested
	}

	status, err := statusFilter(r.URL.Query().Get("status"))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	limit, offset := pageParams(r)

	jobs, total, err := a.Jobs.List(r.Context(), userID, status, limit, offset)
	if err != nil {
		a.Logger.Error().Err(err).Msg("handlers: list video jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list video jobs")
		return
	}
	if jobs == nil {
		jobs = []domain.VideoJob{}
	}
	a.json(w, http.StatusOK, jobListResponse{Jobs: jobs, Total: total})
}

// VideoJobsMonitor is the unauthenticated pipeline monitor: one page across
// all users, newest first.
func (a *App) VideoJobsMonitor(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	jobs, total, err := a.Jobs.ListAll(r.Context(), limit, offset)
	if err != nil {
		a.Logger.Error().Err(err).Msg("handlers: monitor listing failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list video jobs")
		return
	}
	if jobs == nil {
		jobs = []domain.VideoJob{}
	}
	a.json(w, http.StatusOK, jobListResponse{Jobs: jobs, Total: total})
}

func (a *App) VideoJobsGet(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, job)
}

// VideoJobsDownload redirects to the finished artifact. Anything short of a
// SUCCEEDED job with an uploaded artifact is a 400, not a 404: the job exists
// but has nothing to serve yet.
func (a *App) VideoJobsDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusSucceeded || job.ArtifactURL == "" {
		a.error(w, http.StatusBadRequest, "job_not_ready", "video is not ready for download")
		return
	}
	http.Redirect(w, r, job.ArtifactURL, http.StatusFound)
}

func (a *App) VideoJobsCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if job.Status.IsTerminal() {
		a.error(w, http.StatusConflict, "job_finished", "job already reached a terminal state")
		return
	}

	applied, err := a.Jobs.Cancel(r.Context(), job.ID)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("handlers: cancel failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	if !applied {
		// Finished between our read and the cancel write.
		a.error(w, http.StatusConflict, "job_finished", "job already reached a terminal state")
		return
	}

	updated, err := a.Jobs.GetByID(r.Context(), job.ID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	a.json(w, http.StatusOK, updated)
}

func (a *App) VideoJobsDelete(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if err := a.Jobs.Delete(r.Context(), job.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("handlers: delete failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadOwnedJob fetches the job named in the URL and enforces that the caller
// owns it or is an admin. On failure the response has already been written.
func (a *App) loadOwnedJob(w http.ResponseWriter, r *http.Request) (*domain.VideoJob, bool) {
	ident, ok := a.currentIdentity(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return nil, false
	}
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job id required")
		return nil, false
	}

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return nil, false
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: load job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return nil, false
	}
	if job.UserID != ident.UserID && !ident.IsAdmin() {
		a.error(w, http.StatusForbidden, "forbidden", "not your job")
		return nil, false
	}
	return job, true
}

func firstFile(form *multipart.Form, field string) *multipart.FileHeader {
	if form == nil || len(form.File[field]) == 0 {
		return nil
	}
	return form.File[field][0]
}

func (a *App) storeUpload(ctx context.Context, fh *multipart.FileHeader, key string) error {
	file, err := fh.Open()
	if err != nil {
		return fmt.Errorf("invalid upload %q", fh.Filename)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read upload %q", fh.Filename)
	}
	_, err = a.Store.Write(ctx, key, data)
	return err
}

// discardUploads removes files persisted for a submission that was rejected
// afterwards, so failed requests do not accumulate orphans.
func (a *App) discardUploads(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := a.Store.Remove(ctx, key); err != nil {
			a.Logger.Warn().Err(err).Str("key", key).Msg("handlers: discard upload failed")
		}
	}
}

func uploadExtension(filename string) string {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return ext
	default:
		return ".png"
	}
}

func statusFilter(raw string) (domain.JobStatus, error) {
	if raw == "" {
		return "", nil
	}
	status := domain.JobStatus(strings.ToUpper(raw))
	switch status {
	case domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusSucceeded,
		domain.JobStatusFailed, domain.JobStatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
