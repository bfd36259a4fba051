package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Command line client for the chat broker",
	Long: `chatctl mints development tokens, sends messages, tails live
subscriptions and reads the message journal of a chat broker.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("CHAT_SERVER", "http://localhost:8080"), "broker base URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("CHAT_TOKEN"), "bearer token (see `chatctl token`)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireToken() error {
	if token == "" {
		return fmt.Errorf("a token is required: pass --token or set CHAT_TOKEN")
	}
	return nil
}
