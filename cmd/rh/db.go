package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/store"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Roundhouse tables",
		Long:  "Connects to the configured database (SQLite file or MySQL server) and migrates every table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s database %s\n", cfg.Database.Driver, describeDB(cfg.Database))

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

// connectFromConfig loads config and returns a migrated GORM connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", describeDB(cfg.Database), err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// openStore loads config and returns the message store on top of it.
func openStore(configPath string) (*config.Config, *store.Store, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(store.Opts{DB: gormDB, AssistantName: cfg.AssistantName})
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func describeDB(c config.DatabaseConfig) string {
	if c.Driver == "mysql" {
		return fmt.Sprintf("%s@%s:%d/%s", c.User, c.Host, c.Port, c.Name)
	}
	return c.Path
}
