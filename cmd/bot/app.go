package main

import (
	"context"
	"time"

	"surge_bot/internal/modules/config"
	"surge_bot/pkg/logger"
	"surge_bot/pkg/tracing"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// common собирает то, что нужно любой команде. Это контекст процесса, конфиг, лог и трейсер.
func common() fx.Option {
	return fx.Options(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
			func(cfg *config.Config) (*zap.Logger, error) {
				return logger.New(cfg.Service.Name, cfg.Service.LogLevel)
			},
			func(lc fx.Lifecycle, cfg *config.Config) (opentracing.Tracer, error) {
				tracer, closer, err := tracing.InitTracer(tracing.Config{
					Service: cfg.Service.Name,
					Enabled: cfg.Tracing.Enabled,
					Host:    cfg.Tracing.Host,
					Port:    cfg.Tracing.Port,
				})
				if err != nil {
					return nil, errors.Wrap(err, "init tracer")
				}
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error { return closer() },
				})
				return tracer, nil
			},
		),
		fx.Decorate(func(cfg *config.Config) (*config.Config, error) {
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}),
		config.Module(),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
		// трейсер регистрируется глобально при создании
		fx.Invoke(func(opentracing.Tracer) {}),
	)
}

// oneShot собирает граф, выполняет Invoke и сразу останавливается.
func oneShot(opts ...fx.Option) error {
	app := fx.New(append([]fx.Option{common()}, opts...)...)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.Stop(ctx)
}
