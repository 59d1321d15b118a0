//go:build !unix

package preflight

import (
	"fmt"
	"os"
)

// writable approximates an access check from the permission bits.
func writable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o222 == 0 {
		return fmt.Errorf("%s: %w", path, os.ErrPermission)
	}
	return nil
}
