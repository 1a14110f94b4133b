package main

import (
	"surge_bot/internal/modules/bootstrap"
	"surge_bot/internal/modules/health"
	"surge_bot/internal/modules/kiwoom_client"
	"surge_bot/internal/modules/kiwoom_websocket"
	"surge_bot/internal/modules/orders"
	"surge_bot/internal/modules/positions"
	"surge_bot/internal/modules/screening"
	"surge_bot/internal/modules/store"
	telegram "surge_bot/internal/modules/telegram_bot"
	"surge_bot/internal/runner"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := fx.New(
				common(),
				store.Module(),
				kiwoom_client.Module(),
				kiwoom_websocket.Module(),
				orders.Module(),
				telegram.Module(),
				positions.Module(),
				screening.Module(),
				bootstrap.Module(),
				health.Module(),
				runner.Module(),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
