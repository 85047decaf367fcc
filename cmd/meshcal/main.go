// Command meshcal shares calendars between devices over a pub/sub mesh.
package main

import (
	"os"

	"github.com/roach88/meshcal/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
