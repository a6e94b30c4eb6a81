// Package main provides the entry point for the pdfrag CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/pdfrag/cmd/pdfrag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
