package main

import (
	"os"

	"github.com/zpay-labs/zpay/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
