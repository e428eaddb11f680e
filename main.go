package main

import (
	"os"

	"telescribe/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
