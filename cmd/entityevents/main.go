// Command entityevents dispatches entity events, resumes pending work and
// runs the asynchronous event queue.
package main

import (
	"os"

	"github.com/roach88/entityevents/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
