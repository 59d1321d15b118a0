package preflight

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/remux/internal/media"
)

func requirePreflightError(t *testing.T, err error, msg string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, media.IsKind(err, media.KindPreflight))
	assert.Equal(t, -1, media.ExitCode(err))
	assert.Contains(t, err.Error(), msg)
}

func TestCheckArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		ok   bool
	}{
		{"none", nil, false},
		{"input only", []string{"in.ts"}, false},
		{"too many", []string{"a", "b", "c"}, false},
		{"empty path", []string{"in.ts", ""}, false},
		{"input and output", []string{"in.ts", "out.mp4"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckArgs(tt.args)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			requirePreflightError(t, err, MsgArgs)
		})
	}
}

func TestCheckInput(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o644))
		return path
	}

	t.Run("readable", func(t *testing.T) {
		assert.NoError(t, CheckInput(write("ok.ts", []byte{0x47, 0, 0, 0, 1}), 4))
	})

	t.Run("exact probe size", func(t *testing.T) {
		assert.NoError(t, CheckInput(write("exact.ts", []byte{1, 2, 3, 4}), 4))
	})

	t.Run("empty", func(t *testing.T) {
		requirePreflightError(t, CheckInput(write("empty.ts", nil), 4), MsgInput)
	})

	t.Run("short", func(t *testing.T) {
		requirePreflightError(t, CheckInput(write("short.ts", []byte{1, 2, 3}), 4), MsgInput)
	})

	t.Run("missing", func(t *testing.T) {
		requirePreflightError(t, CheckInput(filepath.Join(dir, "missing.ts"), 4), MsgInput)
	})

	t.Run("directory", func(t *testing.T) {
		requirePreflightError(t, CheckInput(dir, 4), MsgInput)
	})
}

func TestCheckOutput_NewFileNotCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")

	require.NoError(t, CheckOutput(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "check must not create the output")
}

func TestCheckOutput_ExistingFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ts")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))

	require.NoError(t, CheckOutput(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestCheckOutput_MissingDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nope", "out.mp4")

	requirePreflightError(t, CheckOutput(path), MsgOutput)

	_, err := os.Stat(filepath.Join(dir, "nope"))
	assert.True(t, os.IsNotExist(err))
}

func TestCheckOutput_NotRegular(t *testing.T) {
	requirePreflightError(t, CheckOutput(t.TempDir()), MsgOutput)
}

func TestCheckOutput_ReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission bits")
	}

	dir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.Mkdir(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	path := filepath.Join(dir, "out.mp4")
	requirePreflightError(t, CheckOutput(path), MsgOutput)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
