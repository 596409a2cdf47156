package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"server/internal/domain"
	"server/internal/sqlinline"
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

type idRows struct {
	ids []string
	idx int
}

func (r *idRows) Close()                                       {}
func (r *idRows) Err() error                                   { return nil }
func (r *idRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *idRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *idRows) Next() bool                                   { r.idx++; return r.idx <= len(r.ids) }
func (r *idRows) Scan(dest ...any) error {
	*dest[0].(*string) = r.ids[r.idx-1]
	return nil
}
func (r *idRows) Values() ([]any, error) { return nil, fmt.Errorf("not supported") }
func (r *idRows) RawValues() [][]byte    { return nil }
func (r *idRows) Conn() *pgx.Conn        { return nil }

type queueSQL struct {
	claimRow simpleRow
	staleIDs []string
}

func (f *queueSQL) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *queueSQL) Query(_ context.Context, query string, _ ...any) (pgx.Rows, error) {
	if query == sqlinline.QRequeueStaleJobs {
		return &idRows{ids: f.staleIDs}, nil
	}
	return nil, errors.New("unexpected Query")
}

func (f *queueSQL) QueryRow(_ context.Context, query string, _ ...any) pgx.Row {
	switch query {
	case sqlinline.QClaimVideoJob:
		return f.claimRow
	case sqlinline.QFinalizeJobSuccess, sqlinline.QGetVideoJob:
		return simpleRow{}
	}
	return simpleRow{scan: func(...any) error { return errors.New("unexpected QueryRow") }}
}

func TestClaimDecodesJobAsRunning(t *testing.T) {
	duration := 8
	sql := &queueSQL{claimRow: simpleRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "job-1"
		*dest[1].(*string) = "user-1"
		prompt := "a lighthouse in a storm"
		*dest[2].(**string) = &prompt
		*dest[3].(*string) = "veo-3.1-generate-preview"
		*dest[4].(*string) = "720p"
		*dest[5].(*string) = "9:16"
		d := duration
		*dest[6].(**int) = &d
		*dest[7].(*bool) = true  // generate_audio
		*dest[8].(*bool) = false // mock_mode
		*dest[11].(*[]byte) = []byte(`["uploads/x/reference-0.png"]`)
		*dest[12].(*int) = 5
		*dest[13].(*int) = 50
		return nil
	}}}

	job, err := NewVideoJobRepository(sql).Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job.Status != domain.JobStatusRunning {
		t.Fatalf("status = %q, want RUNNING", job.Status)
	}
	if job.Prompt != "a lighthouse in a storm" || job.DurationSeconds == nil || *job.DurationSeconds != 8 {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.ReferenceImageKeys) != 1 {
		t.Fatalf("reference keys = %v", job.ReferenceImageKeys)
	}
}

func TestClaimEmptyQueueIsNotFound(t *testing.T) {
	sql := &queueSQL{claimRow: simpleRow{}}
	_, err := NewVideoJobRepository(sql).Claim(context.Background())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFinalizeSuccessLostRaceIsNotApplied(t *testing.T) {
	sql := &queueSQL{}
	applied, err := NewVideoJobRepository(sql).FinalizeSuccess(context.Background(), "job-1", "http://example/video.mp4")
	if err != nil {
		t.Fatalf("FinalizeSuccess: %v", err)
	}
	if applied {
		t.Fatal("finalization of a non-running job must not be applied")
	}
}

func TestGetByIDUnknownJobIsNotFound(t *testing.T) {
	sql := &queueSQL{}
	_, err := NewVideoJobRepository(sql).GetByID(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRequeueStaleCollectsIDs(t *testing.T) {
	sql := &queueSQL{staleIDs: []string{"job-1", "job-2"}}
	ids, err := NewVideoJobRepository(sql).RequeueStale(context.Background(), 0)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if len(ids) != 2 || ids[0] != "job-1" || ids[1] != "job-2" {
		t.Fatalf("ids = %v", ids)
	}
}
