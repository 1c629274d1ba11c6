package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrymomot/dbqueue/internal/cli"
)

func main() {
	if err := cli.NewRoot(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
