package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Database.Driver == "" || cfg.Database.Driver == "sqlite" {
			if err := config.EnsureDir(); err != nil {
				return err
			}
		}
		db, err := database.New(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		fmt.Println(successStyle.Render("Database schema is up to date (" + db.Driver() + ")"))
		return nil
	},
}
