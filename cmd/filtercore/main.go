package main

import (
	"os"

	"github.com/mkoll/filtercore/cmd/filtercore/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
