package main

import (
	"os"

	"fleetvisor/cmd/fleetvisor/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
