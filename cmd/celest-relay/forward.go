package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cozyclaw/celest-relay/internal/agent"
	"github.com/cozyclaw/celest-relay/internal/queue"
)

// forward runs the file bridge standalone, next to the external agent
// process: queued messages stream into its inbox file and its outbox
// lines become session responses.
var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Bridge the queue to the agent's inbox/outbox files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := queue.NewStore(cfg.Queue.Dir)
		if err != nil {
			return err
		}

		watcher := queue.NewWatcher(store, cfg.Queue.PollInterval())
		fwd := agent.NewForwarder(store, watcher, cfg.Agent.InboxPath, cfg.Agent.OutboxPath, cfg.Agent.ForwardInterval())
		if err := fwd.Start(); err != nil {
			return err
		}
		defer fwd.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}
