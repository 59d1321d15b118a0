// Package main is the entry point for the remux application.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jmylchreest/remux/cmd/remux/cmd"
	"github.com/jmylchreest/remux/internal/media"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var typed *media.Error
		if errors.As(err, &typed) {
			fmt.Fprintln(os.Stderr, typed.Error())
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(media.ExitCode(err))
	}
}
