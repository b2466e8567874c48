// Command framesim drives the frame pacer and the model store against a simulated GPU and prints the
// resulting pool statistics as JSON.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framesim: %v\n", err)
		os.Exit(1)
	}
}
