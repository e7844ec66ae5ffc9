// Command cellar builds and installs packages from CUE source recipes.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/cellar/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cellar: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
