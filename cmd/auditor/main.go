// The main package for the auditor executable.
package main

import (
	"os"

	"github.com/adops/site-auditor/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(cmd.Execute())
}
