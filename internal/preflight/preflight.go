// Package preflight validates command arguments and files before any
// container is opened.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmylchreest/remux/internal/media"
)

// Messages reported for failed checks.
const (
	MsgArgs   = "provide input and output files"
	MsgInput  = "cannot read file or file is empty"
	MsgOutput = "cannot write output file"
)

// CheckArgs requires exactly an input and an output path.
func CheckArgs(args []string) error {
	if len(args) != 2 || args[0] == "" || args[1] == "" {
		return media.NewErrorCode(media.KindPreflight, MsgArgs, media.CodePreflight,
			fmt.Errorf("got %d arguments", len(args)))
	}
	return nil
}

// CheckInput requires path to be readable for at least probeSize bytes.
func CheckInput(path string, probeSize int) error {
	if err := readProbe(path, probeSize); err != nil {
		return media.NewErrorCode(media.KindPreflight, MsgInput, media.CodePreflight, err)
	}
	return nil
}

func readProbe(path string, probeSize int) error {
	if probeSize < 1 {
		probeSize = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, probeSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%s: shorter than %d bytes", path, probeSize)
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// CheckOutput verifies that path could be written without creating or
// truncating it. An existing path must be a writable regular file, otherwise
// its parent directory must exist and be writable.
func CheckOutput(path string) error {
	if err := checkOutput(path); err != nil {
		return media.NewErrorCode(media.KindPreflight, MsgOutput, media.CodePreflight, err)
	}
	return nil
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s: not a regular file", path)
		}
		if err := writable(path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil

	case errors.Is(err, fs.ErrNotExist):
		dir := filepath.Dir(path)
		dirInfo, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("output directory: %w", err)
		}
		if !dirInfo.IsDir() {
			return fmt.Errorf("%s: not a directory", dir)
		}
		if err := writable(dir); err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		return nil

	default:
		return err
	}
}
