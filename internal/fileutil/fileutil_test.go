package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediakeep/mediakeep/internal/fileutil"
)

func TestCopyFile(t *testing.T) {
	t.Run("SuccessCases", func(t *testing.T) {
		tests := []struct {
			name    string
			content []byte
		}{
			{name: "small file", content: []byte("hello world")},
			{name: "empty file", content: []byte{}},
			{name: "binary content", content: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE}},
			{name: "large file", content: make([]byte, 1024*1024)},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tmpDir := t.TempDir()
				srcPath := filepath.Join(tmpDir, "source.bin")
				dstPath := filepath.Join(tmpDir, "dest.bin")

				require.NoError(t, os.WriteFile(srcPath, tt.content, 0600))
				require.NoError(t, fileutil.CopyFile(srcPath, dstPath))

				dstContent, err := os.ReadFile(dstPath)
				require.NoError(t, err)
				assert.Equal(t, tt.content, dstContent)

				// Source is left in place
				_, err = os.Stat(srcPath)
				assert.NoError(t, err)
			})
		}
	})

	t.Run("CreatesParentDirectories", func(t *testing.T) {
		tmpDir := t.TempDir()
		srcPath := filepath.Join(tmpDir, "source.bin")
		dstPath := filepath.Join(tmpDir, "deep", "nested", "dest.bin")

		require.NoError(t, os.WriteFile(srcPath, []byte("content"), 0600))
		require.NoError(t, fileutil.CopyFile(srcPath, dstPath))

		dstContent, err := os.ReadFile(dstPath)
		require.NoError(t, err)
		assert.Equal(t, []byte("content"), dstContent)
	})

	t.Run("ErrorCases", func(t *testing.T) {
		t.Run("SourceDoesNotExist", func(t *testing.T) {
			tmpDir := t.TempDir()
			err := fileutil.CopyFile(filepath.Join(tmpDir, "missing.bin"), filepath.Join(tmpDir, "dest.bin"))
			require.Error(t, err)
			assert.True(t, os.IsNotExist(err))
		})

		t.Run("SourceIsDirectory", func(t *testing.T) {
			tmpDir := t.TempDir()
			srcPath := filepath.Join(tmpDir, "srcdir")
			require.NoError(t, os.MkdirAll(srcPath, 0750))

			err := fileutil.CopyFile(srcPath, filepath.Join(tmpDir, "dest.bin"))
			require.Error(t, err)
		})
	})
}

func TestMoveFile(t *testing.T) {
	t.Run("MovesWithinVolume", func(t *testing.T) {
		tmpDir := t.TempDir()
		srcPath := filepath.Join(tmpDir, "staged.bin")
		dstPath := filepath.Join(tmpDir, "library", "final.bin")
		content := []byte("payload bytes")

		require.NoError(t, os.WriteFile(srcPath, content, 0600))
		require.NoError(t, fileutil.MoveFile(srcPath, dstPath))

		dstContent, err := os.ReadFile(dstPath)
		require.NoError(t, err)
		assert.Equal(t, content, dstContent)

		// Source is gone after the move
		_, err = os.Stat(srcPath)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("SourceDoesNotExist", func(t *testing.T) {
		tmpDir := t.TempDir()
		err := fileutil.MoveFile(filepath.Join(tmpDir, "missing.bin"), filepath.Join(tmpDir, "dest.bin"))
		require.Error(t, err)
	})
}

func TestDirEmpty(t *testing.T) {
	t.Run("EmptyDirectory", func(t *testing.T) {
		tmpDir := t.TempDir()
		empty, err := fileutil.DirEmpty(tmpDir)
		require.NoError(t, err)
		assert.True(t, empty)
	})

	t.Run("NonEmptyDirectory", func(t *testing.T) {
		tmpDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "file.bin"), []byte("x"), 0600))

		empty, err := fileutil.DirEmpty(tmpDir)
		require.NoError(t, err)
		assert.False(t, empty)
	})

	t.Run("MissingDirectory", func(t *testing.T) {
		_, err := fileutil.DirEmpty(filepath.Join(t.TempDir(), "missing"))
		require.Error(t, err)
	})
}

func TestSafeJoin(t *testing.T) {
	t.Run("ValidPaths", func(t *testing.T) {
		tests := []struct {
			name     string
			base     string
			path     string
			expected string
		}{
			{name: "simple file", base: "/spool", path: "file.mkv", expected: "/spool/file.mkv"},
			{name: "nested path", base: "/spool", path: "show/episode.mkv", expected: "/spool/show/episode.mkv"},
			{name: "dots in filename", base: "/spool", path: "file.name.with.dots.mkv", expected: "/spool/file.name.with.dots.mkv"},
			{name: "current dir prefix", base: "/spool", path: "./file.mkv", expected: "/spool/file.mkv"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result, err := fileutil.SafeJoin(tt.base, tt.path)
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			})
		}
	})

	t.Run("PathTraversalBlocked", func(t *testing.T) {
		tests := []struct {
			name string
			path string
		}{
			{name: "simple parent traversal", path: "../etc/passwd"},
			{name: "traversal with subdir prefix", path: "subdir/../../etc/passwd"},
			{name: "deep traversal", path: "../../../../../../etc/passwd"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := fileutil.SafeJoin("/spool/inbox", tt.path)
				require.Error(t, err)
				assert.Contains(t, err.Error(), "path")
			})
		}
	})

	t.Run("AbsolutePathRejected", func(t *testing.T) {
		_, err := fileutil.SafeJoin("/spool", "/etc/passwd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "relative")
	})
}
