// Command scriptbox runs Python scripts and materialized projects from the
// command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/isdmx/scriptbox/cli"
)

func main() {
	if err := cli.New().Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
