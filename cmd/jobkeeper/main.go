package main

import (
	"context"
	"fmt"
	"os"

	"jobkeeper/internal/cli"
)

func main() {
	if err := cli.NewRootCmd(nil).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
