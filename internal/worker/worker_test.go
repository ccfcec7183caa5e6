package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alephauto/alephauto/internal/activity"
	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/eventbus"
	"github.com/alephauto/alephauto/internal/logger"
	"github.com/alephauto/alephauto/internal/retry"
	"github.com/alephauto/alephauto/internal/store"
)

func newHarness(t *testing.T, maxConcurrent int64, handler Handler) (*Worker, *store.Store, context.Context) {
	t.Helper()
	st, err := store.Open(":memory:", logger.NewNop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New(16)
	feed := activity.New(10)
	ctx := context.Background()

	w := New(ctx, Config{
		PipelineID:    "pipeline-a",
		PipelineName:  "Pipeline A",
		MaxConcurrent: maxConcurrent,
		Retry:         retry.Config{MaxAttempts: 2},
	}, st, bus, feed, handler, logger.NewNop())
	t.Cleanup(func() { w.Stop(time.Second) })
	return w, st, ctx
}

func waitForStatus(t *testing.T, st *store.Store, jobID string, want domain.Status, timeout time.Duration) domain.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := st.Get(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
	return domain.Job{}
}

func TestSubmitAndCompleteHappyPath(t *testing.T) {
	handler := func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}
	w, st, ctx := newHarness(t, 2, handler)

	if err := w.Submit(ctx, "job-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForStatus(t, st, "job-1", domain.StatusCompleted, 2*time.Second)
	if string(job.Result) != `{"ok":true}` {
		t.Fatalf("result = %s", job.Result)
	}
}

func TestZeroConcurrencyHoldsJobsQueued(t *testing.T) {
	handler := func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	w, st, ctx := newHarness(t, 0, handler)

	if err := w.Submit(ctx, "job-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	job, err := st.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued with max_concurrent=0", job.Status)
	}

	w.SetMaxConcurrent(1)
	waitForStatus(t, st, "job-1", domain.StatusCompleted, 2*time.Second)
}

func TestNonRetryableFailsTerminal(t *testing.T) {
	handler := func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return nil, errors.New("validation error: bad payload")
	}
	w, st, ctx := newHarness(t, 2, handler)

	if err := w.Submit(ctx, "job-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForStatus(t, st, "job-1", domain.StatusFailed, 2*time.Second)
	if job.Error == nil {
		t.Fatal("expected error metadata on failed job")
	}
}

func TestGitWorkflowPersistsMetaOnCompletion(t *testing.T) {
	runner := &fakeGitRunner{branch: "main", changed: true, commitSHA: "deadbeef"}
	opener := &fakeOpener{url: "https://example.com/pr/7"}
	handler := func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}

	st, err := store.Open(":memory:", logger.NewNop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New(16)
	feed := activity.New(10)
	ctx := context.Background()

	w := New(ctx, Config{
		PipelineID:    "pipeline-a",
		PipelineName:  "Pipeline A",
		MaxConcurrent: 2,
		Retry:         retry.Config{MaxAttempts: 2},
		Git: &GitConfig{
			BaseBranch:   "main",
			BranchPrefix: "alephauto",
			Runner:       runner,
			Opener:       opener,
		},
	}, st, bus, feed, handler, logger.NewNop())
	t.Cleanup(func() { w.Stop(time.Second) })

	if err := w.Submit(ctx, "job-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForStatus(t, st, "job-1", domain.StatusCompleted, 2*time.Second)
	if job.Git == nil {
		t.Fatal("completed job should have persisted Git metadata")
	}
	if job.Git.CommitSHA != "deadbeef" {
		t.Fatalf("Git.CommitSHA = %q, want deadbeef", job.Git.CommitSHA)
	}
	if job.Git.PRURL != "https://example.com/pr/7" {
		t.Fatalf("Git.PRURL = %q, want the opener's URL", job.Git.PRURL)
	}
	if job.Git.OriginalBranch != "main" {
		t.Fatalf("Git.OriginalBranch = %q, want main", job.Git.OriginalBranch)
	}
}

func TestRetryableFailureEventuallyExhausts(t *testing.T) {
	handler := func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	w, st, ctx := newHarness(t, 2, handler)
	w.retryCtl = retry.New(retry.Config{MaxAttempts: 2, DefaultBaseDelay: 10 * time.Millisecond}, nil, logger.NewNop())

	if err := w.Submit(ctx, "job-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// First attempt fails and is retryable; the job stays running while a
	// retry timer is armed for job-1-retry1. The classifier's 5s base delay
	// for network errors takes precedence over DefaultBaseDelay, so the
	// retry is submitted about 5s later.
	job := waitForStatus(t, st, "job-1-retry1", domain.StatusFailed, 8*time.Second)
	if job.Error == nil {
		t.Fatal("expected error metadata on exhausted retry job")
	}
}
