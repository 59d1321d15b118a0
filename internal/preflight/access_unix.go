//go:build unix

package preflight

import "golang.org/x/sys/unix"

// writable asks the kernel whether the real user may write path.
func writable(path string) error {
	return unix.Access(path, unix.W_OK)
}
