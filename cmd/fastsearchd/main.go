// Command fastsearchd is the daemon process and CLI front-end for the
// local hybrid search service: it starts/stops/monitors the background
// daemon and issues search/embed/rerank requests against it.
package main

import (
	"fmt"
	"os"

	"github.com/narlysoftware/fastsearchd/cmd/fastsearchd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
