// Command scan-device is the offline scan queue for a shop-floor device:
// it records scans while the network is down and replays them later.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
