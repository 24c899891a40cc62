package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
)

func newMigrateCmd(stderr io.Writer, deps relayDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply session store migrations to VAI_RELAY_DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("VAI_RELAY_DATABASE_URL must be set to migrate")
			}
			logger := newLogger(stderr, cfg.LogLevel)

			cfg.Store = config.StorePostgres
			st, err := deps.openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}
			defer st.Close()

			m, ok := st.(migrator)
			if !ok {
				return fmt.Errorf("session store does not support migrations")
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
