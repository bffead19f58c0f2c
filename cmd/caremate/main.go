// Command caremate is a terminal client for CareMate conversations.
package main

import (
	"fmt"
	"os"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitError   = 1
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitError)
	}
	os.Exit(ExitSuccess)
}
