package main

import (
	"context"

	"surge_bot/internal/modules/kiwoom_client"
	"surge_bot/internal/modules/orders"
	"surge_bot/internal/modules/positions"
	possvc "surge_bot/internal/modules/positions/service"
	"surge_bot/internal/modules/store"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// logNotifier пишет сообщения оператору в лог, для разовых команд.
type logNotifier struct{ log *zap.Logger }

func (n logNotifier) Notify(_ context.Context, msg string) { n.log.Info("[NOTIFY] " + msg) }

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare persisted state with broker holdings once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(
				store.Module(),
				kiwoom_client.Module(),
				orders.Module(),
				positions.Module(),
				fx.Provide(func(log *zap.Logger) possvc.Notifier { return logNotifier{log: log} }),
				fx.Invoke(func(m *possvc.Manager) error {
					report, err := m.Reconcile(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(report)
				}),
			)
		},
	}
}
