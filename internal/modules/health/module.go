package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"
	"surge_bot/internal/modules/health/service"
	positions "surge_bot/internal/modules/positions/service"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Addr string // например ":8080"
}

func NewConfig(cfg *config.Config) Config {
	return Config{Addr: fmt.Sprintf(":%d", cfg.Service.AdminPort)}
}

// Desk: позиции для отладочного JSON и ручного закрытия.
type Desk interface {
	OpenCount() int
	CloseManual(ctx context.Context, code string) error
}

func NewMux(state *service.State, desk Desk, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		// liveness: процесс жив
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		// readiness: стрим подключён и состояние сверено
		if !state.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"ready":         state.Ready(),
			"wsConnected":   state.WSConnected(),
			"uptimeSec":     int64(state.Uptime().Seconds()),
			"ticks":         state.Ticks(),
			"reconnects":    state.Reconnects(),
			"openPositions": desk.OpenCount(),
			"lastTickUnix": func() int64 {
				t := state.LastTick()
				if t.IsZero() {
					return 0
				}
				return t.Unix()
			}(),
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// POST /positions/{code}/close закрывает позицию вручную
	mux.HandleFunc("/positions/", func(w http.ResponseWriter, r *http.Request) {
		code, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/positions/"), "/close")
		if !ok || code == "" || strings.Contains(code, "/") {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		err := desk.CloseManual(r.Context(), code)
		switch {
		case err == nil:
			log.Info("[ADMIN] manual close", zap.String("code", code))
			writeJSON(w, http.StatusOK, map[string]any{"code": code, "closed": true})
		case errors.Is(err, models.ErrInvalidTransition):
			writeJSON(w, http.StatusConflict, map[string]any{"code": code, "error": err.Error()})
		default:
			log.Warn("[ADMIN] manual close failed", zap.String("code", code), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, map[string]any{"code": code, "error": err.Error()})
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func RunHTTP(lc fx.Lifecycle, cfg Config, mux *http.ServeMux, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return errors.Wrapf(err, "listen %s", cfg.Addr)
			}
			log.Info("[ADMIN] listening", zap.String("addr", cfg.Addr))
			go func() { _ = srv.Serve(ln) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			service.NewState,
			NewConfig,
			func(m *positions.Manager) Desk { return m },
			NewMux,
		),
		fx.Invoke(RunHTTP),
	)
}
