// Command vigil-agent runs the VIGIL background agent.
package main

import (
	"os"

	"github.com/vigilhome/vigil-agent/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
