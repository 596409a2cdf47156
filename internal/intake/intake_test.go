package intake

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/sqlinline"
)

func boolPtr(b bool) *bool { return &b }

func validParams() SubmitParams {
	return SubmitParams{
		Prompt:      "sunset over mountains",
		Model:       "veo-3.1-generate-preview",
		Resolution:  "1080p",
		AspectRatio: "16:9",
		MockMode:    boolPtr(true),
	}
}

type simpleRow struct {
	scan func(dest ...any) error
}

func (r simpleRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

// fakeSQL answers the admission and fetch statements with canned outcomes.
type fakeSQL struct {
	admitCalls int
	getCalls   int

	activeJobs    int
	balanceBefore *int
	admittedJobID string
}

func (f *fakeSQL) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeSQL) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

func (f *fakeSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	switch query {
	case sqlinline.QAdmitVideoJob:
		f.admitCalls++
		return simpleRow{scan: func(dest ...any) error {
			if f.balanceBefore != nil {
				active := f.activeJobs
				*dest[0].(**int) = &active
				bal := *f.balanceBefore
				*dest[1].(**int) = &bal
			}
			if f.admittedJobID != "" {
				id := f.admittedJobID
				*dest[2].(**string) = &id
			}
			return nil
		}}
	case sqlinline.QGetVideoJob:
		f.getCalls++
		return simpleRow{scan: func(dest ...any) error {
			*dest[0].(*string) = f.admittedJobID
			*dest[1].(*string) = "user-1"
			prompt := "sunset over mountains"
			*dest[2].(**string) = &prompt
			*dest[3].(*string) = "veo-3.1-generate-preview"
			*dest[4].(*string) = "1080p"
			*dest[5].(*string) = "16:9"
			*dest[8].(*bool) = true // mock_mode
			*dest[11].(*[]byte) = []byte(`[]`)
			*dest[12].(*domain.JobStatus) = domain.JobStatusPending
			msg := "Job queued for processing"
			*dest[13].(**string) = &msg
			*dest[15].(*int) = 0
			*dest[16].(*[]byte) = []byte(`[{"timestamp":"2026-01-02T03:04:05Z","level":"info","message":"Job created"}]`)
			*dest[18].(*int) = 50
			*dest[19].(*time.Time) = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			*dest[22].(*time.Time) = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			return nil
		}}
	}
	return simpleRow{scan: func(...any) error { return errors.New("unexpected query") }}
}

func newTestService(sql *fakeSQL) *Service {
	return NewService(repo.NewVideoJobRepository(sql), 50, 3, zerolog.New(io.Discard))
}

func TestSubmitAdmitsValidJob(t *testing.T) {
	bal := 100
	sql := &fakeSQL{balanceBefore: &bal, admittedJobID: "job-abc"}
	svc := newTestService(sql)

	job, err := svc.Submit(context.Background(), "user-1", validParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != domain.JobStatusPending {
		t.Fatalf("status = %q, want PENDING", job.Status)
	}
	if job.TokensConsumed != 50 {
		t.Fatalf("tokensConsumed = %d, want 50", job.TokensConsumed)
	}
	if len(job.Logs) != 1 || job.Logs[0].Message != "Job created" {
		t.Fatalf("unexpected logs %+v", job.Logs)
	}
	if sql.admitCalls != 1 {
		t.Fatalf("admit statements = %d, want 1", sql.admitCalls)
	}
}

func TestSubmitRejectsMissingMockMode(t *testing.T) {
	sql := &fakeSQL{}
	svc := newTestService(sql)

	p := validParams()
	p.MockMode = nil
	_, err := svc.Submit(context.Background(), "user-1", p)

	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if sql.admitCalls != 0 {
		t.Fatal("rejected submission must not reach the store")
	}
}

func TestSubmitValidatesEnumerations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SubmitParams)
	}{
		{"bad resolution", func(p *SubmitParams) { p.Resolution = "480p" }},
		{"bad aspect ratio", func(p *SubmitParams) { p.AspectRatio = "4:3" }},
		{"bad duration", func(p *SubmitParams) { p.DurationSeconds = 12 }},
		{"missing model", func(p *SubmitParams) { p.Model = "" }},
		{"too many references", func(p *SubmitParams) {
			p.ReferenceImageKeys = []string{"a", "b", "c", "d"}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sql := &fakeSQL{}
			svc := newTestService(sql)
			p := validParams()
			tc.mutate(&p)

			_, err := svc.Submit(context.Background(), "user-1", p)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if sql.admitCalls != 0 {
				t.Fatal("rejected submission must not reach the store")
			}
		})
	}
}

func TestSubmitRequiresExactlyOneOfPromptOrInitialImage(t *testing.T) {
	sql := &fakeSQL{}
	svc := newTestService(sql)

	p := validParams()
	p.Prompt = ""
	if _, err := svc.Submit(context.Background(), "user-1", p); err == nil {
		t.Fatal("expected error when neither prompt nor initial image is set")
	}

	p = validParams()
	p.InitialImageKey = "uploads/x/initial.png"
	if _, err := svc.Submit(context.Background(), "user-1", p); err == nil {
		t.Fatal("expected error when both prompt and initial image are set")
	}
}

func TestSubmitConcurrencyCapRejectsWithoutCharge(t *testing.T) {
	bal := 100
	sql := &fakeSQL{activeJobs: 3, balanceBefore: &bal}
	svc := newTestService(sql)

	_, err := svc.Submit(context.Background(), "user-1", validParams())
	if !errors.Is(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("err = %v, want ErrConcurrencyLimit", err)
	}
	if sql.getCalls != 0 {
		t.Fatal("no job row should exist after a cap rejection")
	}
}

func TestSubmitInsufficientBalanceCarriesCostAndAvailable(t *testing.T) {
	bal := 20
	sql := &fakeSQL{balanceBefore: &bal}
	svc := newTestService(sql)

	_, err := svc.Submit(context.Background(), "user-1", validParams())
	var insufficient *domain.InsufficientTokensError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientTokensError", err)
	}
	if insufficient.Cost != 50 || insufficient.Available != 20 {
		t.Fatalf("got cost=%d available=%d, want cost=50 available=20", insufficient.Cost, insufficient.Available)
	}
}
