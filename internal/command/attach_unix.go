//go:build !windows

package command

import (
	"context"
	"errors"
	"fmt"
	"github.com/cirruslabs/webterm/internal/config"
	"github.com/cirruslabs/webterm/pkg/client"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"os"
	"os/signal"
	"time"
)

const exitDrainTimeout = 500 * time.Millisecond

var attachKey string

// ExitCodeError carries the exit code of the remote process to main.
type ExitCodeError struct {
	Code int
}

func (err *ExitCodeError) Error() string {
	return fmt.Sprintf("remote process exited with code %d", err.Code)
}

func attach(cmd *cobra.Command, args []string) error {
	logger, _, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := cmd.Context()

	terminalClient, err := client.Dial(ctx, args[0], client.WithLogger(logger), client.WithKey(attachKey))
	if err != nil {
		return err
	}
	defer terminalClient.Close()

	stdinFd := int(os.Stdin.Fd())

	cols, rows := uint16(0), uint16(0)
	if term.IsTerminal(stdinFd) {
		width, height, err := term.GetSize(stdinFd)
		if err == nil {
			cols, rows = uint16(width), uint16(height)
		}

		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return err
		}
		defer func() {
			_ = term.Restore(stdinFd, oldState)
		}()
	}

	if err := terminalClient.Create(ctx, cols, rows); err != nil {
		return err
	}

	go forwardResizes(ctx, terminalClient, stdinFd)
	go forwardInput(ctx, terminalClient)

	for {
		select {
		case data, ok := <-terminalClient.Output():
			if !ok {
				<-terminalClient.Done()

				if err := terminalClient.Err(); err != nil {
					return err
				}

				return errors.New("connection closed by the server")
			}

			_, _ = os.Stdout.Write(data)
		case code := <-terminalClient.Exit():
			drainOutput(terminalClient)

			if code != 0 {
				return &ExitCodeError{Code: code}
			}

			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainOutput prints what's still buffered after the exit event arrived.
func drainOutput(terminalClient *client.Client) {
	timer := time.NewTimer(exitDrainTimeout)
	defer timer.Stop()

	for {
		select {
		case data, ok := <-terminalClient.Output():
			if !ok {
				return
			}

			_, _ = os.Stdout.Write(data)
		case <-timer.C:
			return
		}
	}
}

func forwardInput(ctx context.Context, terminalClient *client.Client) {
	buf := make([]byte, 4096)

	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if err := terminalClient.Write(ctx, append([]byte(nil), buf[:n]...)); err != nil {
				return
			}
		}

		if err != nil {
			return
		}
	}
}

func forwardResizes(ctx context.Context, terminalClient *client.Client, fd int) {
	sigwinchChan := make(chan os.Signal, 1)
	signal.Notify(sigwinchChan, unix.SIGWINCH)
	defer signal.Stop(sigwinchChan)

	for {
		select {
		case <-sigwinchChan:
			width, height, err := term.GetSize(fd)
			if err != nil {
				continue
			}

			_ = terminalClient.Resize(ctx, uint16(width), uint16(height))
		case <-ctx.Done():
			return
		case <-terminalClient.Done():
			return
		}
	}
}

func newAttachCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <socket URL>",
		Short: "Attach the local terminal to a new remote terminal, e.g. ws://localhost:7010/socket",
		Args:  cobra.ExactArgs(1),
		RunE:  attach,
	}

	cmd.PersistentFlags().StringVar(&attachKey, "key", cfg.AuthenticationKey,
		"authentication key expected by the server")

	return cmd
}

