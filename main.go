package main

import (
	"os"

	"github.com/cis-datafabric/sensor-ingest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
