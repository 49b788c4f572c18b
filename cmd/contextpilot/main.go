// Command contextpilot is the single binary for Context Pilot: the
// interactive worker loop by default, and a hidden "daemon" mode that
// the console module execs into when no PTY-holding daemon answers a
// ping.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
