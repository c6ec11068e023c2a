// Command raged is the entry point for the retrieval service. It provides a
// CLI (via Cobra) with the HTTP API server and schema migration commands.
package main

import (
	"fmt"
	"os"

	"github.com/mfittko/rag-stack/cmd/raged/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
