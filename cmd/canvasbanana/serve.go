package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/canvasbanana/internal/clock"
	"github.com/smallbiznis/canvasbanana/internal/config"
	"github.com/smallbiznis/canvasbanana/internal/migration"
	"github.com/smallbiznis/canvasbanana/internal/observability"
	"github.com/smallbiznis/canvasbanana/internal/server"
	"github.com/smallbiznis/canvasbanana/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the credits HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			fx.New(
				config.Module,
				observability.Module,
				fx.Provide(RegisterSnowflake),
				db.Module,
				clock.Module,
				migration.Module,
				server.Module,
			).Run()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				config.Module,
				observability.Module,
				db.Module,
				migration.Module,
			)

			startCtx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			return app.Stop(stopCtx)
		},
	}
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
