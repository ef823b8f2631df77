package main

import (
	"os"

	"github.com/neurostuff/compose-runner/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
