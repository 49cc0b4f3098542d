// Package main is the evermem CLI entry point.
package main

import (
	"os"

	"github.com/zhisenyang/EverMemOS-sub003/cmd/evermem/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
