// nvmeperf probes NVMe controllers and runs a write/read-back benchmark
// through the nvmedrv client library.
package main

import (
	"os"

	"github.com/srilakshmi/nvmedirect/cmd/nvmeperf/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
