package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"chat_broker/internal/fanout"
	"chat_broker/internal/ws"
)

func init() {
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:       "tail [messages|pinned|typing|presence]",
	Short:     "Print the snapshot and live deltas of a subscription",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"messages", "pinned", "typing", "presence"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		topic := fanout.TopicMessages
		if len(args) == 1 {
			topic = fanout.Topic(args[0])
		}
		if !topic.Valid() {
			return fmt.Errorf("unknown topic %q", topic)
		}

		endpoint, err := wsURL(serverURL)
		if err != nil {
			return err
		}
		conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), endpoint, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", endpoint, err)
		}
		defer conn.Close()

		if err := conn.WriteJSON(ws.Request{Op: ws.OpSubscribe, ID: string(topic), Topic: topic}); err != nil {
			return err
		}

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		go func() {
			<-interrupt
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}()

		out := json.NewEncoder(cmd.OutOrStdout())
		for {
			var frame ws.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return err
			}
			if frame.Type == ws.FrameSnapshot {
				for _, d := range frame.Items {
					if err := out.Encode(d); err != nil {
						return err
					}
				}
				continue
			}
			if err := out.Encode(frame); err != nil {
				return err
			}
		}
	},
}

// wsURL turns the broker base URL into its WebSocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
