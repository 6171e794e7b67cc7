package main

import (
	"fmt"

	"github.com/hyperengineering/muniplan/internal/config"
	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and print the schema version",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadForTooling()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log, true)

	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	d, _ := store.DialectByName(c.store.DriverName())
	version, err := store.MigrationVersion(c.store.DB(), d)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", d.Name, version)
	return nil
}
