package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "relayq",
		Short:   "relayq — admission-controlled dispatch queue for LLM backends",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newDeadLetterCmd(),
		newCacheCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
