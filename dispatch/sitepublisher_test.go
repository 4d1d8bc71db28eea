package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/observatorio-andes/snowflow/config"
	"github.com/observatorio-andes/snowflow/job"
)

// setupSiteRemote builds a bare "site" repository with one initial commit and
// returns its path.
func setupSiteRemote(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()

	seedPath := filepath.Join(tmp, "seed")
	seed, err := git.PlainInit(seedPath, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(seedPath, "README.md"), []byte("# site\n"), 0644))
	wt, err := seed.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@example.org", When: time.Now()},
	})
	require.NoError(t, err)

	remotePath := filepath.Join(tmp, "remote.git")
	_, err = git.PlainClone(remotePath, true, &git.CloneOptions{URL: seedPath})
	require.NoError(t, err)
	return remotePath
}

func commitCount(t *testing.T, path string) int {
	t.Helper()
	repo, err := git.PlainOpen(path)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	require.NoError(t, err)
	count := 0
	require.NoError(t, iter.ForEach(func(*object.Commit) error { count++; return nil }))
	return count
}

func TestSitePublisher(t *testing.T) {
	remotePath := setupSiteRemote(t)
	localPath := filepath.Join(t.TempDir(), "checkout")

	cfg := config.PublishConfig{
		Enabled:     true,
		RepoURL:     remotePath,
		Branch:      "master",
		LocalPath:   localPath,
		DataDir:     "data",
		AuthorName:  "snowflow",
		AuthorEmail: "snowflow@example.org",
	}
	pub := NewSitePublisher(cfg, zap.NewNop().Sugar())

	completed := time.Date(2024, 2, 1, 3, 0, 0, 0, time.UTC)
	rec := &job.Record{
		ID:          "rec-1",
		JobType:     "snow_monthly",
		Attempt:     1,
		State:       job.StateSucceeded,
		Artifact:    "exports/snow_2024_01.csv",
		CompletedAt: &completed,
	}

	t.Run("clones, commits the manifest, and pushes", func(t *testing.T) {
		before := commitCount(t, remotePath)
		require.NoError(t, pub.Publish(context.Background(), rec))
		assert.Equal(t, before+1, commitCount(t, remotePath))

		data, err := os.ReadFile(filepath.Join(localPath, "data", "snow_monthly", "latest.json"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "exports/snow_2024_01.csv")
		assert.Contains(t, string(data), "rec-1")
	})

	t.Run("republishing the same record is a no-op", func(t *testing.T) {
		before := commitCount(t, remotePath)
		require.NoError(t, pub.Publish(context.Background(), rec))
		assert.Equal(t, before, commitCount(t, remotePath), "identical manifest must not create a commit")
	})

	t.Run("a new artifact produces a new commit", func(t *testing.T) {
		before := commitCount(t, remotePath)
		next := *rec
		next.ID = "rec-2"
		next.Artifact = "exports/snow_2024_02.csv"
		require.NoError(t, pub.Publish(context.Background(), &next))
		assert.Equal(t, before+1, commitCount(t, remotePath))
	})
}
