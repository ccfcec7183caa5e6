package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/logger"
)

// fakeGitRunner is an in-memory GitRunner double recording the calls
// wrapGitWorkflow makes against it, so tests can assert on the
// branch/commit/push/restore sequence without a real git checkout.
type fakeGitRunner struct {
	branch      string
	changed     bool
	commitSHA   string
	commitErr   error
	pushErr     error
	created     []string
	checkedOut  []string
	deleted     []string
	committed   []string
	pushed      []string
}

func (f *fakeGitRunner) CurrentBranch(ctx context.Context) (string, error) { return f.branch, nil }

func (f *fakeGitRunner) CreateBranch(ctx context.Context, name string) error {
	f.created = append(f.created, name)
	f.branch = name
	return nil
}

func (f *fakeGitRunner) Checkout(ctx context.Context, name string) error {
	f.checkedOut = append(f.checkedOut, name)
	f.branch = name
	return nil
}

func (f *fakeGitRunner) HasChanges(ctx context.Context) (bool, error) { return f.changed, nil }

func (f *fakeGitRunner) Commit(ctx context.Context, message string) (string, error) {
	f.committed = append(f.committed, message)
	if f.commitErr != nil {
		return "", f.commitErr
	}
	return f.commitSHA, nil
}

func (f *fakeGitRunner) Push(ctx context.Context, branch string) error {
	f.pushed = append(f.pushed, branch)
	return f.pushErr
}

func (f *fakeGitRunner) DeleteBranch(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeOpener struct {
	url string
	err error
}

func (o *fakeOpener) OpenPR(ctx context.Context, branch, base string, prc PRContext) (string, error) {
	return o.url, o.err
}

func TestWrapGitWorkflowReportsMetaOnSuccess(t *testing.T) {
	runner := &fakeGitRunner{branch: "main", changed: true, commitSHA: "abc123"}
	opener := &fakeOpener{url: "https://example.com/pr/1"}
	cfg := GitConfig{
		BaseBranch:   "main",
		BranchPrefix: "alephauto",
		Runner:       runner,
		Opener:       opener,
		Now:          func() time.Time { return time.Unix(1000, 0) },
	}
	handler := func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}
	wrapped := wrapGitWorkflow(cfg, handler, logger.NewNop())

	var captured *domain.GitMeta
	ctx := context.Background()
	ctx = context.WithValue(ctx, gitMetaSetterKey{}, func(meta *domain.GitMeta) {
		captured = meta
	})

	job := domain.Job{ID: "job-1", PipelineID: "pipeline-a"}
	result, err := wrapped(ctx, job)
	if err != nil {
		t.Fatalf("wrapped handler returned error: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("result = %s", result)
	}

	if captured == nil {
		t.Fatal("expected GitMeta to be reported back via setGitMeta")
	}
	if captured.OriginalBranch != "main" {
		t.Fatalf("OriginalBranch = %q, want main", captured.OriginalBranch)
	}
	if captured.Branch == "" || captured.Branch == "main" {
		t.Fatalf("Branch = %q, want a generated workflow branch", captured.Branch)
	}
	if captured.CommitSHA != "abc123" {
		t.Fatalf("CommitSHA = %q, want abc123", captured.CommitSHA)
	}
	if captured.PRURL != "https://example.com/pr/1" {
		t.Fatalf("PRURL = %q, want the opener's URL", captured.PRURL)
	}

	if len(runner.committed) != 1 || len(runner.pushed) != 1 {
		t.Fatalf("expected exactly one commit and one push, got commits=%v pushes=%v", runner.committed, runner.pushed)
	}
}

func TestWrapGitWorkflowNoChangesSkipsCommit(t *testing.T) {
	runner := &fakeGitRunner{branch: "main", changed: false}
	cfg := GitConfig{Runner: runner, BranchPrefix: "alephauto", Now: func() time.Time { return time.Unix(1, 0) }}
	handler := func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	wrapped := wrapGitWorkflow(cfg, handler, logger.NewNop())

	var captured *domain.GitMeta
	ctx := context.WithValue(context.Background(), gitMetaSetterKey{}, func(meta *domain.GitMeta) { captured = meta })

	_, err := wrapped(ctx, domain.Job{ID: "job-1", PipelineID: "pipeline-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured != nil {
		t.Fatal("no-op run should never report GitMeta")
	}
	if len(runner.committed) != 0 {
		t.Fatal("no-op run should never commit")
	}
	if len(runner.checkedOut) == 0 || runner.checkedOut[len(runner.checkedOut)-1] != "main" {
		t.Fatalf("expected restore to original branch, checkedOut=%v", runner.checkedOut)
	}
}

func TestWrapGitWorkflowHandlerErrorRestoresBranch(t *testing.T) {
	runner := &fakeGitRunner{branch: "main", changed: true}
	cfg := GitConfig{Runner: runner, BranchPrefix: "alephauto", Now: func() time.Time { return time.Unix(1, 0) }}
	handlerErr := errors.New("boom")
	handler := func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return nil, handlerErr
	}
	wrapped := wrapGitWorkflow(cfg, handler, logger.NewNop())

	ctx := context.Background()
	_, err := wrapped(ctx, domain.Job{ID: "job-1", PipelineID: "pipeline-a"})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("err = %v, want %v", err, handlerErr)
	}
	if len(runner.checkedOut) == 0 || runner.checkedOut[len(runner.checkedOut)-1] != "main" {
		t.Fatalf("expected restore to original branch after handler error, checkedOut=%v", runner.checkedOut)
	}
	if len(runner.deleted) == 0 {
		t.Fatal("expected the workflow branch to be deleted after handler error")
	}
}

func TestWrapGitWorkflowDryRunSkipsPush(t *testing.T) {
	runner := &fakeGitRunner{branch: "main", changed: true}
	cfg := GitConfig{Runner: runner, BranchPrefix: "alephauto", DryRun: true, Now: func() time.Time { return time.Unix(1, 0) }}
	handler := func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	wrapped := wrapGitWorkflow(cfg, handler, logger.NewNop())

	var captured *domain.GitMeta
	ctx := context.WithValue(context.Background(), gitMetaSetterKey{}, func(meta *domain.GitMeta) { captured = meta })

	if _, err := wrapped(ctx, domain.Job{ID: "job-1", PipelineID: "pipeline-a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runner.pushed) != 0 {
		t.Fatal("dry run should never push")
	}
	if captured != nil {
		t.Fatal("dry run should never report GitMeta since nothing was pushed or opened")
	}
}
