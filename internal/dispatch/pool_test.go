package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/providers/veo"
	"server/internal/sqlinline"
	"server/internal/storage"
)

type simpleRow struct {
	scan func(dest ...any) error
}

func (r simpleRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

// fakeSQL records the job-store writes issued while processing one job.
type fakeSQL struct {
	jobCancelled bool

	progress    []int
	messages    []string
	artifactURL string
	successSeen bool
	failureMsg  string
	failureLog  string
	refunds     int
}

func (f *fakeSQL) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	if query == sqlinline.QRecordJobProgress {
		f.progress = append(f.progress, args[1].(int))
		f.messages = append(f.messages, args[2].(string))
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeSQL) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

func (f *fakeSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	switch query {
	case sqlinline.QFinalizeJobSuccess:
		if f.jobCancelled {
			return simpleRow{}
		}
		f.successSeen = true
		f.artifactURL = args[1].(string)
		return simpleRow{scan: func(dest ...any) error {
			*dest[0].(*string) = args[0].(string)
			return nil
		}}
	case sqlinline.QFinalizeJobFailure:
		if f.jobCancelled {
			return simpleRow{}
		}
		f.failureMsg = args[1].(string)
		f.failureLog = args[2].(string)
		return simpleRow{scan: func(dest ...any) error {
			*dest[0].(*string) = "user-1"
			*dest[1].(*int) = 50
			return nil
		}}
	case sqlinline.QRefundTokens:
		f.refunds++
		return simpleRow{scan: func(dest ...any) error {
			*dest[0].(*int) = 70
			return nil
		}}
	}
	return simpleRow{scan: func(...any) error { return errors.New("unexpected QueryRow") }}
}

type stubGenerator struct {
	result     *veo.Result
	err        error
	milestones []int
}

func (g stubGenerator) Generate(_ context.Context, _ veo.GenerateRequest, onProgress veo.ProgressFunc) (*veo.Result, error) {
	for _, m := range g.milestones {
		onProgress(m, "Generating video")
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

func testPool(t *testing.T, sql *fakeSQL, gen veo.Generator, cfg Config) (*Pool, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), "http://localhost:8080/static")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	pool := New(cfg,
		repo.NewVideoJobRepository(sql),
		repo.NewLedgerRepository(sql),
		gen,
		store,
		zerolog.New(io.Discard),
	)
	return pool, store
}

func runningJob() *domain.VideoJob {
	return &domain.VideoJob{
		ID:       "job-1",
		UserID:   "user-1",
		Prompt:   "sunset over mountains",
		Model:    "veo-3.1-generate-preview",
		Status:   domain.JobStatusRunning,
		MockMode: true,
	}
}

func TestProcessSuccessUploadsArtifactAndFinalizes(t *testing.T) {
	sql := &fakeSQL{}
	gen := stubGenerator{
		result:     &veo.Result{Data: []byte("video-bytes"), ContentType: "video/mp4"},
		milestones: []int{25, 70},
	}
	pool, store := testPool(t, sql, gen, Config{Size: 1})

	pool.process(context.Background(), 0, runningJob())

	if !sql.successSeen {
		t.Fatal("expected success finalization")
	}
	want := "http://localhost:8080/static/generated/videos/job-1/video.mp4"
	if sql.artifactURL != want {
		t.Fatalf("artifact url = %q, want %q", sql.artifactURL, want)
	}

	data, err := os.ReadFile(filepath.Join(store.BasePath(), "generated", "videos", "job-1", "video.mp4"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != "video-bytes" {
		t.Fatalf("unexpected artifact bytes %q", data)
	}

	for i := 1; i < len(sql.progress); i++ {
		if sql.progress[i] < sql.progress[i-1] {
			t.Fatalf("progress not non-decreasing: %v", sql.progress)
		}
	}
}

func TestProcessPermanentFailureFinalizesWithoutRefund(t *testing.T) {
	sql := &fakeSQL{}
	gen := stubGenerator{err: &veo.Error{Kind: veo.KindPermanent, Message: "unsupported model"}}
	pool, _ := testPool(t, sql, gen, Config{Size: 1})

	pool.process(context.Background(), 0, runningJob())

	if sql.successSeen {
		t.Fatal("unexpected success finalization")
	}
	if !strings.Contains(sql.failureMsg, "unsupported model") {
		t.Fatalf("failure message %q missing cause", sql.failureMsg)
	}
	if sql.refunds != 0 {
		t.Fatalf("refunds = %d, want 0 (refund disabled by default)", sql.refunds)
	}
}

func TestProcessTimeoutUsesDistinctMessage(t *testing.T) {
	sql := &fakeSQL{}
	gen := stubGenerator{err: &veo.Error{Kind: veo.KindTimeout, Message: "generation timed out"}}
	pool, _ := testPool(t, sql, gen, Config{Size: 1})

	pool.process(context.Background(), 0, runningJob())

	if sql.failureMsg != "generation timed out" {
		t.Fatalf("failure message = %q", sql.failureMsg)
	}
	if sql.failureLog != "Generation timed out" {
		t.Fatalf("failure log = %q", sql.failureLog)
	}
}

func TestProcessRefundsWhenEnabled(t *testing.T) {
	sql := &fakeSQL{}
	gen := stubGenerator{err: &veo.Error{Kind: veo.KindPermanent, Message: "boom"}}
	pool, _ := testPool(t, sql, gen, Config{Size: 1, RefundOnFailure: true})

	pool.process(context.Background(), 0, runningJob())

	if sql.refunds != 1 {
		t.Fatalf("refunds = %d, want 1", sql.refunds)
	}
}

func TestProcessDiscardsResultWhenJobCancelledUnderneath(t *testing.T) {
	sql := &fakeSQL{jobCancelled: true}
	gen := stubGenerator{result: &veo.Result{Data: []byte("late"), ContentType: "video/mp4"}}
	pool, _ := testPool(t, sql, gen, Config{Size: 1})

	pool.process(context.Background(), 0, runningJob())

	if sql.successSeen {
		t.Fatal("cancelled job must not be finalized as succeeded")
	}
}

func TestProcessLeavesJobForSweepOnShutdown(t *testing.T) {
	sql := &fakeSQL{}
	gen := stubGenerator{err: context.Canceled}
	pool, _ := testPool(t, sql, gen, Config{Size: 1})

	pool.process(context.Background(), 0, runningJob())

	if sql.successSeen || sql.failureMsg != "" {
		t.Fatal("shutdown must not finalize the job")
	}
}

func TestProcessUploadFailureIsDistinctFromGenerationFailure(t *testing.T) {
	sql := &fakeSQL{}
	gen := stubGenerator{result: &veo.Result{Data: []byte("video-bytes"), ContentType: "video/mp4"}}
	pool, store := testPool(t, sql, gen, Config{Size: 1})

	// A plain file where the artifact directory should go makes the write fail.
	if err := os.WriteFile(filepath.Join(store.BasePath(), "generated"), []byte("in the way"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	pool.process(context.Background(), 0, runningJob())

	if sql.successSeen {
		t.Fatal("unexpected success finalization")
	}
	if sql.failureLog != "Video generated but upload to storage failed" {
		t.Fatalf("failure log = %q", sql.failureLog)
	}
	if !strings.Contains(sql.failureMsg, "artifact upload failed") {
		t.Fatalf("failure message = %q", sql.failureMsg)
	}
}

func TestPoolRunStopsOnContextCancel(t *testing.T) {
	sql := &fakeSQL{}
	pool, _ := testPool(t, sql, stubGenerator{}, Config{Size: 2, QueuePollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}
