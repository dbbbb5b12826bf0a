//go:build windows

package command

import (
	"errors"
	"fmt"
	"github.com/cirruslabs/webterm/internal/config"
	"github.com/spf13/cobra"
)

type ExitCodeError struct {
	Code int
}

func (err *ExitCodeError) Error() string {
	return fmt.Sprintf("remote process exited with code %d", err.Code)
}

func newAttachCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <socket URL>",
		Short: "Attach the local terminal to a new remote terminal (not supported on Windows)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return errors.New("attach is not supported on Windows yet")
		},
	}
}
