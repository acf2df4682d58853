package main

import (
	"os"

	"github.com/austindbirch/curation_outbox/cmd/curatectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
