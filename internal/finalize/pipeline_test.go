package finalize_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediakeep/mediakeep/internal/finalize"
	"github.com/mediakeep/mediakeep/internal/naming"
)

func newPipeline() *finalize.Pipeline {
	return finalize.New(naming.NewMediaResolver())
}

func stageFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged.bin")
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestPrepare(t *testing.T) {
	t.Run("SeriesCreatesFolderAndSeason", func(t *testing.T) {
		root := t.TempDir()
		pipeline := newPipeline()

		plan, err := pipeline.Prepare(finalize.Request{
			Filename:        "Show.Name.S02E03.1080p.mkv",
			DestinationRoot: root,
		})
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(root, "Show Name", "Season 02", "Show Name - S02E03.mkv"), plan.FinalPath)
		assert.Equal(t, []string{
			filepath.Join(root, "Show Name"),
			filepath.Join(root, "Show Name", "Season 02"),
		}, plan.CreatedDirs)

		for _, dir := range plan.CreatedDirs {
			info, statErr := os.Stat(dir)
			require.NoError(t, statErr)
			assert.True(t, info.IsDir())
		}
	})

	t.Run("ExistingFolderNotRecorded", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "Show Name"), 0750))
		pipeline := newPipeline()

		plan, err := pipeline.Prepare(finalize.Request{
			Filename:        "Show.Name.S01E01.mkv",
			DestinationRoot: root,
		})
		require.NoError(t, err)

		// Only the season folder was created by this job
		assert.Equal(t, []string{filepath.Join(root, "Show Name", "Season 01")}, plan.CreatedDirs)
	})

	t.Run("DestinationConflict", func(t *testing.T) {
		root := t.TempDir()
		finalPath := filepath.Join(root, "Movie (2020)", "Movie (2020).mkv")
		require.NoError(t, os.MkdirAll(filepath.Dir(finalPath), 0750))
		require.NoError(t, os.WriteFile(finalPath, []byte("existing"), 0600))

		pipeline := newPipeline()
		_, err := pipeline.Prepare(finalize.Request{
			Filename:        "Movie.2020.mkv",
			DestinationRoot: root,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, finalize.ErrDestinationExists)

		// The existing file is untouched
		content, readErr := os.ReadFile(finalPath)
		require.NoError(t, readErr)
		assert.Equal(t, []byte("existing"), content)
	})
}

func TestCommit(t *testing.T) {
	t.Run("MovesAndHashes", func(t *testing.T) {
		root := t.TempDir()
		pipeline := newPipeline()
		staging := stageFile(t, []byte("movie payload"))

		plan, err := pipeline.Prepare(finalize.Request{
			Filename:        "Movie.2020.mkv",
			DestinationRoot: root,
		})
		require.NoError(t, err)

		outcome, err := pipeline.Commit(context.Background(), plan, staging)
		require.NoError(t, err)
		assert.NotEmpty(t, outcome.Hash)

		content, err := os.ReadFile(plan.FinalPath)
		require.NoError(t, err)
		assert.Equal(t, []byte("movie payload"), content)

		// Staged file is gone
		_, err = os.Stat(staging)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("ConflictAtCommitTime", func(t *testing.T) {
		root := t.TempDir()
		pipeline := newPipeline()
		staging := stageFile(t, []byte("payload"))

		plan, err := pipeline.Prepare(finalize.Request{
			Filename:        "Movie.2021.mkv",
			DestinationRoot: root,
		})
		require.NoError(t, err)

		// A second writer lands on the same path between prepare and commit
		require.NoError(t, os.WriteFile(plan.FinalPath, []byte("raced"), 0600))

		_, err = pipeline.Commit(context.Background(), plan, staging)
		require.Error(t, err)
		assert.ErrorIs(t, err, finalize.ErrDestinationExists)
	})
}

func TestDiscard(t *testing.T) {
	t.Run("RemovesStagedFileAndEmptyDirs", func(t *testing.T) {
		root := t.TempDir()
		pipeline := newPipeline()
		staging := stageFile(t, []byte("partial"))

		plan, err := pipeline.Prepare(finalize.Request{
			Filename:        "Show.S01E01.mkv",
			DestinationRoot: root,
		})
		require.NoError(t, err)

		pipeline.Discard(plan, staging)

		_, err = os.Stat(staging)
		assert.True(t, os.IsNotExist(err))
		for _, dir := range plan.CreatedDirs {
			_, err = os.Stat(dir)
			assert.True(t, os.IsNotExist(err), "expected %s removed", dir)
		}
	})

	t.Run("KeepsDirsWithContent", func(t *testing.T) {
		root := t.TempDir()
		pipeline := newPipeline()

		plan, err := pipeline.Prepare(finalize.Request{
			Filename:        "Show.S01E02.mkv",
			DestinationRoot: root,
		})
		require.NoError(t, err)

		// Another job completed an episode into the same season folder
		seasonDir := filepath.Join(root, "Show", "Season 01")
		require.NoError(t, os.WriteFile(filepath.Join(seasonDir, "Show - S01E01.mkv"), []byte("done"), 0600))

		pipeline.Discard(plan, "")

		// Shared folders survive
		_, err = os.Stat(seasonDir)
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(root, "Show"))
		assert.NoError(t, err)
	})

	t.Run("NeverTouchesUnownedDirs", func(t *testing.T) {
		root := t.TempDir()
		pipeline := newPipeline()

		preexisting := filepath.Join(root, "Show")
		require.NoError(t, os.MkdirAll(preexisting, 0750))

		plan, err := pipeline.Prepare(finalize.Request{
			Filename:        "Show.S01E03.mkv",
			DestinationRoot: root,
		})
		require.NoError(t, err)

		pipeline.Discard(plan, "")

		// The season folder this job created is gone, the pre-existing
		// series folder stays even though it is now empty.
		_, err = os.Stat(filepath.Join(preexisting, "Season 01"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(preexisting)
		assert.NoError(t, err)
	})
}
