package cli

import (
	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/database"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.New(cfg.DatabaseOptions())
			if err != nil {
				return err
			}
			defer database.Close(db)

			if err := store.NewGormStore(db).Migrate(); err != nil {
				return err
			}
			l := log.L()
			l.Info().Str("driver", cfg.Database.Driver).Msg("database schema is up to date")
			return nil
		},
	}
}
