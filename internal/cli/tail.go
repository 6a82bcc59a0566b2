package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/mirror"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/pubsub"
)

func newTailCmd() *cobra.Command {
	var roomID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print mirrored room events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Mirror.Driver == "none" {
				return fmt.Errorf("mirror.driver is none; nothing to tail")
			}
			ps, err := pubsub.NewPubSub(cfg.PubSubOptions())
			if err != nil {
				return err
			}
			defer ps.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			return mirror.Tail(ctx, ps, roomID, func(ev *pubsub.Event) {
				enc.Encode(ev)
			})
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "only this room (default: every room)")
	return cmd
}
