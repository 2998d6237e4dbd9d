// Command lattice inspects and maintains a lattice object store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/lattice/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
