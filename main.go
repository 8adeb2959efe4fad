// The main package for the harvester executable.
package main

import (
	"os"

	"github.com/JakeFAU/snapshot-harvester/cmd"
)

// main defers all execution to the Cobra CLI and exits with the run's status.
func main() {
	os.Exit(cmd.Execute())
}
