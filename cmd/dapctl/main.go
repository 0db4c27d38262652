package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/microsoft/dapclient/internal/commands"
	"github.com/microsoft/dapclient/pkg/logger"
	"github.com/microsoft/dapclient/pkg/resiliency"
)

const (
	errCommandError = 1
	errSetup        = 2
	errPanic        = 3
)

func main() {
	log := logger.New("dapctl")
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), log.Logger); panicErr != nil {
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := commands.NewRootCommand(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.Flush()
		os.Exit(errSetup)
	}

	err = root.ExecuteContext(ctx)
	log.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(errCommandError)
	}
}
