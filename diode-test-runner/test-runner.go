// Diode end-to-end test harness.
package main

import (
	"fmt"
	"os"

	"github.com/CrabeDeFrance/lidi/diode-test-runner/cmd"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/scenario/e2e"
)

func main() {
	// Everything but main() and the scenarios can be reused to write other
	// drivers exercising the diode.
	if err := e2e.RegisterScenarios(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register scenarios: %v\n", err)
		os.Exit(1)
	}

	// Execute the command, now that everything has been initialized.
	cmd.Execute()
}
