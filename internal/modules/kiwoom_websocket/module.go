package kiwoom_websocket

import (
	"surge_bot/internal/modules/config"
	"surge_bot/internal/modules/kiwoom_websocket/service"
	rest "surge_bot/internal/modules/kiwoom_client/service"

	"github.com/gorilla/websocket"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module поднимает сессию стрима. Запуск и подписки живут в runner,
// он же решает, когда сессия нужна.
func Module() fx.Option {
	return fx.Module("kiwoom_websocket",
		fx.Provide(
			func(cfg *config.Config, rc *rest.Client, log *zap.Logger) *service.Session {
				dialer := &websocket.Dialer{
					HandshakeTimeout: cfg.Stream.LoginTimeout,
					ReadBufferSize:   64 << 10,
				}
				return service.NewSession(service.OptionsFromConfig(cfg), dialer, rc, log)
			},
		),
	)
}
