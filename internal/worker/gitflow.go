package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/logger"
)

// PRContext carries the fields a GitConfig's PRContext callback supplies
// for opening a pull request (spec.md §4.5.3 step 4).
type PRContext struct {
	Title  string
	Body   string
	Labels []string
}

// PullRequestOpener abstracts the act of opening a PR for a pushed
// branch. The core specifies only the contract, not the VCS host (spec.md
// §4.5.3); callers supply an implementation for their forge of choice.
type PullRequestOpener interface {
	OpenPR(ctx context.Context, branch, base string, prc PRContext) (url string, err error)
}

// NoopOpener never opens a PR; it is the default when no opener is
// configured, useful for dry runs and tests.
type NoopOpener struct{}

func (NoopOpener) OpenPR(context.Context, string, string, PRContext) (string, error) { return "", nil }

// GitRunner wraps the working-tree git operations the workflow hook
// needs. The default implementation shells out to the git CLI.
type GitRunner interface {
	CurrentBranch(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, name string) error
	Checkout(ctx context.Context, name string) error
	HasChanges(ctx context.Context) (bool, error)
	Commit(ctx context.Context, message string) (sha string, err error)
	Push(ctx context.Context, branch string) error
	DeleteBranch(ctx context.Context, name string) error
}

// execGitRunner drives a real git checkout via os/exec. No pack example
// wraps the git CLI, so this is justified directly on the standard
// library per DESIGN.md.
type execGitRunner struct {
	dir string
}

// NewExecGitRunner returns a GitRunner operating against the working
// tree at dir.
func NewExecGitRunner(dir string) GitRunner {
	return &execGitRunner{dir: dir}
}

func (r *execGitRunner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(out.String()), nil
}

func (r *execGitRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

func (r *execGitRunner) CreateBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, "checkout", "-b", name)
	return err
}

func (r *execGitRunner) Checkout(ctx context.Context, name string) error {
	_, err := r.run(ctx, "checkout", name)
	return err
}

func (r *execGitRunner) HasChanges(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (r *execGitRunner) Commit(ctx context.Context, message string) (string, error) {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := r.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return r.run(ctx, "rev-parse", "HEAD")
}

func (r *execGitRunner) Push(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "push", "-u", "origin", branch)
	return err
}

func (r *execGitRunner) DeleteBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, "branch", "-D", name)
	return err
}

// GitConfig enables the optional git-workflow hook for a Worker (spec.md
// §4.5.3).
type GitConfig struct {
	BaseBranch    string
	BranchPrefix  string
	DryRun        bool
	Runner        GitRunner
	Opener        PullRequestOpener
	CommitMessage func(job domain.Job) string
	PRContext     func(job domain.Job) PRContext
	Now           func() time.Time
}

func (c GitConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// wrapGitWorkflow wraps handler so every invocation runs inside a
// branch-commit-push-PR cycle, per spec.md §4.5.3. It is applied at
// Worker construction time when Config.Git is set.
func wrapGitWorkflow(cfg GitConfig, handler Handler, log *logger.Logger) Handler {
	opener := cfg.Opener
	if opener == nil {
		opener = NoopOpener{}
	}
	log = log.With("component", "GitWorkflow")

	return func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		runner := cfg.Runner
		if runner == nil {
			return handler(ctx, job)
		}

		originalBranch, err := runner.CurrentBranch(ctx)
		if err != nil {
			return nil, fmt.Errorf("git workflow: read current branch: %w", err)
		}

		slug := slugify(job.ID)
		branch := fmt.Sprintf("%s/%s/%s-%d", cfg.BranchPrefix, job.PipelineID, slug, cfg.now().Unix())

		restore := func() {
			if err := runner.Checkout(ctx, originalBranch); err != nil {
				log.Error("failed to restore original branch after error", "branch", originalBranch, "error", err.Error())
			}
			if err := runner.DeleteBranch(ctx, branch); err != nil {
				log.Warn("failed to delete workflow branch after error", "branch", branch, "error", err.Error())
			}
		}

		if err := runner.CreateBranch(ctx, branch); err != nil {
			return nil, fmt.Errorf("git workflow: create branch: %w", err)
		}

		result, handlerErr := handler(ctx, job)
		if handlerErr != nil {
			restore()
			return nil, handlerErr
		}

		changed, err := runner.HasChanges(ctx)
		if err != nil {
			restore()
			return nil, fmt.Errorf("git workflow: detect changes: %w", err)
		}
		if !changed {
			if err := runner.Checkout(ctx, originalBranch); err != nil {
				log.Error("failed to restore original branch on no-op", "branch", originalBranch, "error", err.Error())
			}
			if err := runner.DeleteBranch(ctx, branch); err != nil {
				log.Warn("failed to delete unused workflow branch", "branch", branch, "error", err.Error())
			}
			return result, nil
		}

		if cfg.DryRun {
			if err := runner.Checkout(ctx, originalBranch); err != nil {
				log.Error("failed to restore original branch after dry run", "branch", originalBranch, "error", err.Error())
			}
			return result, nil
		}

		message := job.ID
		if cfg.CommitMessage != nil {
			message = cfg.CommitMessage(job)
		}
		sha, err := runner.Commit(ctx, message)
		if err != nil {
			restore()
			return nil, fmt.Errorf("git workflow: commit: %w", err)
		}
		if err := runner.Push(ctx, branch); err != nil {
			restore()
			return nil, fmt.Errorf("git workflow: push: %w", err)
		}

		prc := PRContext{Title: message}
		if cfg.PRContext != nil {
			prc = cfg.PRContext(job)
		}
		prURL, err := opener.OpenPR(ctx, branch, cfg.BaseBranch, prc)
		if err != nil {
			restore()
			return nil, fmt.Errorf("git workflow: open PR: %w", err)
		}

		setGitMeta(ctx, &domain.GitMeta{
			Branch:         branch,
			OriginalBranch: originalBranch,
			CommitSHA:      sha,
			PRURL:          prURL,
		})
		return result, nil
	}
}

func slugify(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
