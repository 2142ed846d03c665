// Command squadron runs the event-driven pipeline orchestrator described by
// spec.md, or drives its Dashboard API as a thin CLI client, grounded on
// cmd/tarsy/main.go's wiring sequence and AbdelazizMoustafa10m-Raven's
// internal/cli cobra root command structure.
package main

import "os"

func main() {
	os.Exit(Execute())
}
