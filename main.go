package main

import (
	"errors"
	"os"
)

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}

	// verify already printed its mismatch table; exit non-zero silently.
	if errors.Is(err, errVerifyMismatch) {
		os.Exit(1)
	}

	exitOnError(err)
}
