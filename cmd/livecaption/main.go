// The livecaption command ingests a live audio/video source and serves it as
// a growing HLS stream with machine-translated subtitle tracks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
