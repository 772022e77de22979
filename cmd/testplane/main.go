// Package main is the entry point for the testplane runner.
package main

import (
	"os"

	"testplane/cmd/testplane/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
