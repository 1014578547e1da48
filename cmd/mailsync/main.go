package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "mailsync",
		Short:        "mailsync ingests mail from registered IMAP and Gmail mailboxes",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newTokenCmd(&configPath))
	cmd.AddCommand(newPushTokenCmd(&configPath))

	cmd.SetErr(os.Stderr)
	cmd.SetOut(os.Stdout)
	return cmd
}
