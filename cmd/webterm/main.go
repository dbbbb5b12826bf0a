package main

import (
	"context"
	"errors"
	"github.com/cirruslabs/webterm/internal/command"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Set up a signal-interruptible context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := command.NewRootCmd().ExecuteContext(ctx); err != nil {
		cancel()

		var exitCodeError *command.ExitCodeError
		if errors.As(err, &exitCodeError) {
			os.Exit(exitCodeError.Code)
		}

		log.Fatal(err)
	}

	cancel()
}
