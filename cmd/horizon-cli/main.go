package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/horizon-agent/internal/cliclient"
)

var cfg = cliclient.DefaultConfig()

var rootCmd = &cobra.Command{
	Use:          "horizon-cli",
	Short:        "Chat with a running horizond from the terminal",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return cliclient.Run(ctx, cfg, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfg.URL, "url", cfg.URL, "Bridge websocket URL")
	rootCmd.Flags().StringVar(&cfg.Token, "token", cfg.Token, "Bridge token")
	rootCmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-question timeout")
	rootCmd.Flags().BoolVar(&cfg.ShowSeq, "show-seq", false, "Print delta sequence numbers")
	rootCmd.Flags().BoolVar(&cfg.ShowEvents, "events", false, "Print session events")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
