package main

import (
	"os"

	"github.com/sakif/qaplanet/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
