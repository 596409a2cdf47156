package veo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/infra"
)

// ImageInput is an uploaded reference frame passed along with the request.
type ImageInput struct {
	Data     []byte
	MimeType string
}

// GenerateRequest carries a job's immutable parameters into the adapter.
type GenerateRequest struct {
	JobID           string
	Prompt          string
	Model           string
	Resolution      string
	AspectRatio     string
	DurationSeconds int
	GenerateAudio   bool
	MockMode        bool
	InitialImage    *ImageInput
	EndFrame        *ImageInput
	ReferenceImages []ImageInput
}

// Result is the generated artifact handed back to the worker.
type Result struct {
	Data        []byte
	ContentType string
	SourceURI   string
}

// ProgressFunc receives milestone updates on the job's 0-100 scale. Calls may
// arrive after the job turned terminal; the store discards those.
type ProgressFunc func(percent int, message string)

// Generator produces one video artifact per request.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, onProgress ProgressFunc) (*Result, error)
}

// Options controls how the Veo client is configured.
type Options struct {
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *infra.Logger
	PollInterval time.Duration
	MaxRetries   int
}

// Client wraps the remote long-running video generation API: request
// construction, operation polling, download of the finished sample, and
// failure classification. Mock-mode requests never touch the remote service.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	logger       *infra.Logger
	pollInterval time.Duration
	maxRetries   int
}

// NewClient constructs a Veo client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		httpClient:   client,
		logger:       logger,
		pollInterval: pollInterval,
		maxRetries:   maxRetries,
	}, nil
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt    string        `json:"prompt,omitempty"`
	Image     *inlineImage  `json:"image,omitempty"`
	LastFrame *inlineImage  `json:"lastFrame,omitempty"`
	Reference []inlineImage `json:"referenceImages,omitempty"`
}

type inlineImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type predictParameters struct {
	AspectRatio     string `json:"aspectRatio,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	GenerateAudio   bool   `json:"generateAudio"`
}

type operationResponse struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Error    *operationError `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

type operationError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Generate runs one request to completion: submit, poll until the remote
// operation finishes, then download the sample. The caller bounds the whole
// call with a deadline; hitting it is reported as the timeout kind.
func (c *Client) Generate(ctx context.Context, req GenerateRequest, onProgress ProgressFunc) (*Result, error) {
	if onProgress == nil {
		onProgress = func(int, string) {}
	}
	if req.MockMode {
		return c.mockGenerate(ctx, req, onProgress)
	}

	onProgress(10, "Calling remote video generation API")

	opName, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("job_id", req.JobID).Str("operation", opName).Msg("veo: operation started")
	onProgress(15, "Video generation in progress")

	uri, err := c.waitForOperation(ctx, req.JobID, opName, onProgress)
	if err != nil {
		return nil, err
	}
	onProgress(70, "Downloading generated video")

	data, contentType, err := c.download(ctx, uri)
	if err != nil {
		return nil, err
	}
	onProgress(85, "Video downloaded")

	if contentType == "" {
		contentType = "video/mp4"
	}
	return &Result{Data: data, ContentType: contentType, SourceURI: uri}, nil
}

func (c *Client) submit(ctx context.Context, req GenerateRequest) (string, error) {
	instance := predictInstance{Prompt: req.Prompt}
	if req.InitialImage != nil {
		instance.Image = encodeImage(*req.InitialImage)
	}
	if req.EndFrame != nil {
		instance.LastFrame = encodeImage(*req.EndFrame)
	}
	for _, ref := range req.ReferenceImages {
		instance.Reference = append(instance.Reference, *encodeImage(ref))
	}

	payload := predictRequest{
		Instances: []predictInstance{instance},
		Parameters: predictParameters{
			AspectRatio:     req.AspectRatio,
			Resolution:      req.Resolution,
			DurationSeconds: req.DurationSeconds,
			GenerateAudio:   req.GenerateAudio,
		},
	}

	path := fmt.Sprintf("/models/%s:predictLongRunning", url.PathEscape(req.Model))

	var op operationResponse
	err := c.withRetry(ctx, "submit", func() error {
		return c.invoke(ctx, http.MethodPost, path, payload, &op)
	})
	if err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", permanentErr("remote accepted request but returned no operation name", nil)
	}
	return op.Name, nil
}

func (c *Client) waitForOperation(ctx context.Context, jobID, opName string, onProgress ProgressFunc) (string, error) {
	start := time.Now()
	deadline, hasDeadline := ctx.Deadline()
	lastPercent := 15

	for {
		select {
		case <-ctx.Done():
			return "", c.ctxError(ctx)
		case <-time.After(c.pollInterval):
		}

		var op operationResponse
		err := c.withRetry(ctx, "poll", func() error {
			return c.invoke(ctx, http.MethodGet, "/"+strings.TrimLeft(opName, "/"), nil, &op)
		})
		if err != nil {
			return "", err
		}

		if op.Done {
			if op.Error != nil {
				return "", permanentErr(fmt.Sprintf("remote generation failed: %s", op.Error.Message), nil)
			}
			if op.Response == nil || len(op.Response.GenerateVideoResponse.GeneratedSamples) == 0 {
				return "", permanentErr("operation finished without a generated sample", nil)
			}
			uri := op.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI
			if uri == "" {
				return "", permanentErr("operation finished without a video uri", nil)
			}
			return uri, nil
		}

		// Remote operations report no percentage; map elapsed wall time into
		// the 15-65 band like the dashboard expects.
		elapsed := time.Since(start)
		percent := 65
		if hasDeadline {
			window := deadline.Sub(start)
			if window > 0 {
				percent = 15 + int(math.Min(50, 50*elapsed.Seconds()/window.Seconds()))
			}
		}
		if percent > lastPercent {
			lastPercent = percent
			onProgress(percent, fmt.Sprintf("Generating video (%ds elapsed)", int(elapsed.Seconds())))
		}
		c.logger.Debug().Str("job_id", jobID).Str("operation", opName).Int("percent", percent).Msg("veo: operation pending")
	}
}

func (c *Client) download(ctx context.Context, uri string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := c.withRetry(ctx, "download", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return permanentErr("create download request", err)
		}
		if c.apiKey != "" {
			req.Header.Set("x-goog-api-key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return c.ctxError(ctx)
			}
			return transientErr("download video", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return c.classifyStatus(resp, "download video")
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return transientErr("read video body", err)
		}
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

func (c *Client) invoke(ctx context.Context, method, path string, payload, out any) error {
	endpoint := c.baseURL + path

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return permanentErr("marshal request", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return permanentErr("create request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		q := req.URL.Query()
		q.Set("key", c.apiKey)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return c.ctxError(ctx)
		}
		return transientErr("invoke remote service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.classifyStatus(resp, "remote service")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transientErr("decode response", err)
	}
	return nil
}

func (c *Client) classifyStatus(resp *http.Response, what string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(raw))
	message := fmt.Sprintf("%s status %d", what, resp.StatusCode)
	if detail != "" {
		message = fmt.Sprintf("%s: %s", message, detail)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return transientErr(message, nil)
	default:
		return permanentErr(message, nil)
	}
}

// withRetry retries transient failures with exponential backoff. Permanent and
// timeout errors pass through untouched; an exhausted transient error is
// returned as-is so the job still records why it failed.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			c.logger.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt).Dur("backoff", delay).Msg("veo: retrying transient error")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return c.ctxError(ctx)
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if KindOf(err) != KindTransient {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// backoff grows exponentially per attempt, capped at 30 seconds.
var backoff = func(attempt int) time.Duration {
	seconds := math.Pow(2, float64(attempt))
	if seconds > 30 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}

// ctxError maps a context failure to the adapter taxonomy: deadline expiry is
// the distinct timeout kind, cancellation (worker shutdown) passes through raw
// so the job is left for the reconciliation sweep instead of being failed.
func (c *Client) ctxError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return timeoutErr("generation timed out")
	}
	return ctx.Err()
}

func encodeImage(in ImageInput) *inlineImage {
	mime := in.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return &inlineImage{
		BytesBase64Encoded: base64.StdEncoding.EncodeToString(in.Data),
		MimeType:           mime,
	}
}

// mockDelay is how long the deterministic path pretends to work.
var mockDelay = 2 * time.Second

// mockGenerate short-circuits all remote interaction and returns a
// deterministic synthetic artifact, so the whole pipeline can be exercised
// without cost or a remote dependency.
func (c *Client) mockGenerate(ctx context.Context, req GenerateRequest, onProgress ProgressFunc) (*Result, error) {
	onProgress(25, "Mock generation in progress")

	select {
	case <-time.After(mockDelay):
	case <-ctx.Done():
		return nil, c.ctxError(ctx)
	}

	seed := deterministicSeed(req.JobID, req.Prompt, req.Model, req.Resolution, req.AspectRatio)
	onProgress(70, "Mock render complete")

	lines := []string{
		"Synthetic video placeholder",
		fmt.Sprintf("Seed: %s", seed),
		fmt.Sprintf("Prompt: %s", strings.TrimSpace(req.Prompt)),
		fmt.Sprintf("Model: %s", req.Model),
		fmt.Sprintf("Resolution: %s, Aspect: %s", req.Resolution, req.AspectRatio),
	}
	return &Result{
		Data:        []byte(strings.Join(lines, "\n")),
		ContentType: "video/mp4",
		SourceURI:   fmt.Sprintf("mock://veo/%s", seed),
	}, nil
}

func deterministicSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(fmt.Sprintf("%v", part)))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

var _ Generator = (*Client)(nil)
