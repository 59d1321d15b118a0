package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, 0},
		{"untyped", errors.New("boom"), 1},
		{"preflight", NewError(KindPreflight, "provide input and output files", nil), -1},
		{"alloc", NewError(KindAlloc, "could not allocate side data", nil), CodeNoMemory},
		{"open", NewError(KindOpen, "could not open input file", errors.New("bad")), CodeInvalidData},
		{"wrapped", fmt.Errorf("remuxing: %w", NewError(KindWrite, "error muxing packet", nil)), CodeIO},
		{"explicit", NewErrorCode(KindIO, "x", CodeMuxerNotFound, nil), CodeMuxerNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExitCode(tt.err))
		})
	}
}

func TestNewError_CodeFromErrno(t *testing.T) {
	_, err := os.Open(filepath.Join(t.TempDir(), "missing.ts"))
	require.Error(t, err)
	require.True(t, errors.Is(err, fs.ErrNotExist))

	typed := NewError(KindOpen, "could not open input file", err)
	assert.Equal(t, CodeNotFound, typed.Code)
	assert.Equal(t, -int(syscall.ENOENT), ExitCode(typed))
}

func TestNewError_CodeFromNestedTypedError(t *testing.T) {
	inner := NewErrorCode(KindOpen, "probe", CodeDemuxerNotFound, nil)
	outer := NewError(KindOpen, "could not open input file", inner)
	assert.Equal(t, CodeDemuxerNotFound, outer.Code)
}

func TestError_Message(t *testing.T) {
	err := NewErrorCode(KindIO, "error occurred when opening output file", CodePermission, errors.New("open out.mp4"))
	assert.Equal(t, "error occurred when opening output file: permission denied: open out.mp4", err.Error())

	bare := NewError(KindPreflight, "provide input and output files", nil)
	assert.Equal(t, "provide input and output files: Operation not permitted", bare.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("cause")
	err := NewError(KindRead, "read", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsKind(fmt.Errorf("wrap: %w", err), KindRead))
	assert.False(t, IsKind(err, KindWrite))
	assert.False(t, IsKind(cause, KindRead))
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "Invalid data found when processing input", ErrorText(CodeInvalidData))
	assert.Equal(t, "Muxer not found", ErrorText(CodeMuxerNotFound))
	assert.Equal(t, syscall.ENOENT.Error(), ErrorText(CodeNotFound))
	assert.Equal(t, "Error number 42 occurred", ErrorText(42))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "preflight", KindPreflight.String())
	assert.Equal(t, "write", KindWrite.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
