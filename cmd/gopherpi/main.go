// Command gopherpi boots the kernel on a simulated board and provides tools
// for building and inspecting user programs.
package main

import (
	"github.com/tebeka/atexit"
)

func main() {
	code := 0
	if err := newRootCmd().Execute(); err != nil {
		code = 1
	}

	// Run the registered handlers so that trace databases are flushed
	atexit.Exit(code)
}
