// Command reprl-harness is a thin operator CLI over the reprl package: it
// drives a single worker through one or more scripts, or massages a
// persisted coverage map, without requiring a caller to write Go.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/reprl-go/reprl/internal/cmd"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
