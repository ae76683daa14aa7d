package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cozyclaw/celest-relay/internal/queue"
)

var sendSessionID string

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Enqueue a message as if the UI had sent it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		msg, err := store.Enqueue(queue.Message{
			SessionID: sendSessionID,
			Content:   args[0],
		})
		if err != nil {
			return err
		}
		fmt.Printf("queued %s (session %s)\n", msg.ID, msg.SessionID)
		return nil
	},
}

var responsesSince string

var responsesCmd = &cobra.Command{
	Use:   "responses [sessionId]",
	Short: "Print a session's outbound responses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		var since time.Time
		if responsesSince != "" {
			since, err = time.Parse(time.RFC3339, responsesSince)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
		}
		resps, err := store.ReadOutboundSince(args[0], since)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, resp := range resps {
			if err := enc.Encode(resp); err != nil {
				return err
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print queue occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(store.Stats())
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendSessionID, "session", "api:default", "session id to send as")
	responsesCmd.Flags().StringVar(&responsesSince, "since", "", "only responses after this RFC 3339 time")
}

func openStore() (*queue.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return queue.NewStore(cfg.Queue.Dir)
}
