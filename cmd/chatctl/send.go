package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chat_broker/internal/domain"
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("key", "", "idempotency key")
}

var sendCmd = &cobra.Command{
	Use:   "send [text...]",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("key")

		payload, err := json.Marshal(domain.Content{
			Body:           strings.Join(args, " "),
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
			strings.TrimRight(serverURL, "/")+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("send: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}

		var m domain.Message
		if err := json.Unmarshal(body, &m); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s seq=%d at %s\n", m.ID, m.Seq, m.CreatedAt.Format(time.RFC3339Nano))
		return nil
	},
}
