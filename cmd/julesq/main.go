// Package main is the entry point for julesq, the scheduled Jules queue worker.
package main

import (
	"os"

	"github.com/ole-vi/prompt-sharing-sub002/cmd/julesq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
