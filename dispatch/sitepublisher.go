package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/observatorio-andes/snowflow/config"
	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/job"
)

// SitePublisher publishes artifacts by committing a per-job-type manifest
// into the results website repository and pushing it. Publishing the same
// record twice produces an empty diff and no commit, which is what makes the
// scheduler's re-dispatch safe.
type SitePublisher struct {
	cfg config.PublishConfig
	log *zap.SugaredLogger

	// now is split out for tests
	now func() time.Time
}

// NewSitePublisher creates a publisher for the configured site repository.
func NewSitePublisher(cfg config.PublishConfig, log *zap.SugaredLogger) *SitePublisher {
	return &SitePublisher{cfg: cfg, log: log, now: time.Now}
}

// manifest is the file committed for each publication, one per job type.
type manifest struct {
	JobType     string    `json:"job_type"`
	RecordID    string    `json:"record_id"`
	Attempt     int       `json:"attempt"`
	Artifact    string    `json:"artifact"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publish commits the record's artifact reference to the site repository and
// pushes. The worktree is cloned on first use and reused afterwards.
func (p *SitePublisher) Publish(ctx context.Context, rec *job.Record) error {
	repo, err := p.cloneOrOpen(ctx)
	if err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "failed to get worktree")
	}

	// Pull first so repeated publishes against a moving site repo do not
	// push stale history.
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(p.cfg.Branch),
		Auth:          p.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return errors.Wrap(err, "failed to pull site repository")
	}

	relPath, err := p.writeManifest(rec)
	if err != nil {
		return err
	}

	if _, err := wt.Add(relPath); err != nil {
		return errors.Wrap(err, "failed to stage manifest")
	}

	status, err := wt.Status()
	if err != nil {
		return errors.Wrap(err, "failed to get worktree status")
	}
	if status.IsClean() {
		p.log.Debugw("Site already up to date", "record_id", rec.ID, "artifact", rec.Artifact)
		return nil
	}

	msg := fmt.Sprintf("Update %s data: %s", rec.JobType, rec.Artifact)
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  p.cfg.AuthorName,
			Email: p.cfg.AuthorEmail,
			When:  p.now(),
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to commit manifest")
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       p.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return errors.Wrap(err, "failed to push site repository")
	}

	p.log.Infow("Artifact published to site",
		"record_id", rec.ID,
		"job_type", rec.JobType,
		"artifact", rec.Artifact,
	)
	return nil
}

// cloneOrOpen opens the local checkout, cloning it when absent.
func (p *SitePublisher) cloneOrOpen(ctx context.Context) (*git.Repository, error) {
	repo, err := git.PlainOpen(p.cfg.LocalPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, errors.Wrap(err, "failed to open site repository")
	}

	p.log.Infow("Cloning site repository", "url", p.cfg.RepoURL, "path", p.cfg.LocalPath)
	repo, err = git.PlainCloneContext(ctx, p.cfg.LocalPath, false, &git.CloneOptions{
		URL:           p.cfg.RepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(p.cfg.Branch),
		SingleBranch:  true,
		Auth:          p.auth(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to clone site repository")
	}
	return repo, nil
}

// writeManifest writes the record's manifest under the configured data
// directory and returns its repo-relative path.
func (p *SitePublisher) writeManifest(rec *job.Record) (string, error) {
	relPath := filepath.Join(p.cfg.DataDir, rec.JobType, "latest.json")
	absPath := filepath.Join(p.cfg.LocalPath, relPath)

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return "", errors.Wrap(err, "failed to create data directory")
	}

	m := manifest{
		JobType:  rec.JobType,
		RecordID: rec.ID,
		Attempt:  rec.Attempt,
		Artifact: rec.Artifact,
	}
	if rec.CompletedAt != nil {
		m.CompletedAt = *rec.CompletedAt
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to encode manifest")
	}
	if err := os.WriteFile(absPath, append(data, '\n'), 0644); err != nil {
		return "", errors.Wrap(err, "failed to write manifest")
	}
	return relPath, nil
}

func (p *SitePublisher) auth() *githttp.BasicAuth {
	if p.cfg.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: p.cfg.Token}
}
