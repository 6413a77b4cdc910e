package main

import (
	"os"

	"github.com/fleetcrawl/fleetcrawl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
