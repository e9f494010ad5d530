package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	pidFile = "picalad.pid"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "picala",
		Short:         "Picala - account and session runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
		&cobra.Group{ID: "daemon", Title: "Daemon Commands:"},
		&cobra.Group{ID: "account", Title: "Account Commands:"},
		&cobra.Group{ID: "app", Title: "App Commands:"},
	)

	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			root.AddCommand(c)
		}
	}
	add("setup", newInitCmd(), newConfigCmd())
	add("daemon", newStartCmd(), newStopCmd(), newStatusCmd(), newLogsCmd())
	add("account",
		newRegisterCmd(), newLoginCmd(), newLogoutCmd(), newWhoAmICmd(),
		newResendCmd(), newForgotPasswordCmd(),
	)
	add("app", newOpenCmd(), newLifecycleCmd("foreground", "active"), newLifecycleCmd("background", "background"))

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "picala %s\n", Version)
		},
	})

	return root
}
