package main

import (
	"os"

	"github.com/malbeclabs/concierge/internal/cli"
)

func main() {
	os.Exit(int(cli.Run(os.Args[1:])))
}
