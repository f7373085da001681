package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tanq16/snapgrab/internal/utils"
)

type fakeDownloader struct {
	mu         sync.Mutex
	downloaded []string
	failStems  map[string]error
	skipStems  map[string]bool
}

func (f *fakeDownloader) ValidateJob(job *utils.MemoryJob) error { return nil }

func (f *fakeDownloader) BuildJob(job *utils.MemoryJob) error {
	if f.skipStems[job.Record.BaseName()] {
		job.Skip = true
		job.SkipReason = "already saved"
	}
	return nil
}

func (f *fakeDownloader) Download(ctx context.Context, job *utils.MemoryJob) error {
	f.mu.Lock()
	f.downloaded = append(f.downloaded, job.Record.BaseName())
	f.mu.Unlock()
	if err := f.failStems[job.Record.BaseName()]; err != nil {
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Reason: err}
		return err
	}
	job.Outcome = utils.FetchOutcome{Status: utils.OutcomeSuccess, Paths: []string{job.Record.BaseName() + ".jpg"}}
	job.OutputPath = job.Record.BaseName() + ".jpg"
	return nil
}

func makeJobs(n int) []*utils.MemoryJob {
	jobs := make([]*utils.MemoryJob, 0, n)
	for i := 1; i <= n; i++ {
		jobs = append(jobs, &utils.MemoryJob{
			ID: fmt.Sprintf("job-%d", i),
			Record: utils.MemoryRecord{
				ID:        fmt.Sprintf("m%d", i),
				Kind:      utils.KindImage,
				Timestamp: time.Date(2024, 3, 1, 10, 0, i, 0, time.UTC),
				MediaURL:  "https://example.com/media",
				Index:     i,
			},
			Total: n,
		})
	}
	return jobs
}

func TestRunProcessesAllJobs(t *testing.T) {
	fd := &fakeDownloader{}
	jobs := makeJobs(5)
	if err := Run(context.Background(), fd, jobs, 2, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fd.downloaded) != 5 {
		t.Errorf("downloaded %d jobs, want 5", len(fd.downloaded))
	}
	for _, job := range jobs {
		if job.Outcome.Status != utils.OutcomeSuccess {
			t.Errorf("job %s status = %s", job.ID, job.Outcome.Status)
		}
	}
}

func TestRunReportsFailures(t *testing.T) {
	jobs := makeJobs(3)
	fd := &fakeDownloader{failStems: map[string]error{
		jobs[1].Record.BaseName(): errors.New("boom"),
	}}
	err := Run(context.Background(), fd, jobs, 2, true)
	if err == nil {
		t.Fatal("expected error when a job fails")
	}
	if !strings.Contains(err.Error(), "1 of 3") {
		t.Errorf("error = %v, want failure count", err)
	}
}

func TestRunHonorsSkip(t *testing.T) {
	jobs := makeJobs(3)
	skipped := jobs[0].Record.BaseName()
	fd := &fakeDownloader{skipStems: map[string]bool{skipped: true}}
	if err := Run(context.Background(), fd, jobs, 1, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, stem := range fd.downloaded {
		if stem == skipped {
			t.Errorf("downloaded skipped job %s", stem)
		}
	}
	if len(fd.downloaded) != 2 {
		t.Errorf("downloaded %d jobs, want 2", len(fd.downloaded))
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fd := &fakeDownloader{}
	jobs := makeJobs(4)
	err := Run(ctx, fd, jobs, 2, true)
	if err == nil {
		t.Fatal("expected error for cancelled run")
	}
	if len(fd.downloaded) != 0 {
		t.Errorf("downloaded %d jobs after cancel, want 0", len(fd.downloaded))
	}
}

func TestCompletionMessage(t *testing.T) {
	base := utils.MemoryRecord{Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), Index: 2}
	tests := []struct {
		name string
		job  utils.MemoryJob
		want string
	}{
		{
			name: "multi file archive",
			job: utils.MemoryJob{Record: base, Outcome: utils.FetchOutcome{
				Status: utils.OutcomeSuccess, Paths: []string{"a.jpg", "b.jpg"},
			}},
			want: "Saved 2 files from 20240301_100000_2",
		},
		{
			name: "merged",
			job: utils.MemoryJob{Record: base, OutputPath: "/out/x.jpg", Outcome: utils.FetchOutcome{
				Status: utils.OutcomeSuccessMerged, Paths: []string{"/out/x.jpg"},
			}},
			want: "Saved x.jpg with overlay",
		},
		{
			name: "plain",
			job: utils.MemoryJob{Record: base, OutputPath: "/out/y.mp4", Outcome: utils.FetchOutcome{
				Status: utils.OutcomeSuccess, Paths: []string{"/out/y.mp4"},
			}},
			want: "Saved y.mp4",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := completionMessage(&tc.job); got != tc.want {
				t.Errorf("completionMessage = %q, want %q", got, tc.want)
			}
		})
	}
}
