// Package main provides the entry point for the freshness CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/freshness/cmd/freshness/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
