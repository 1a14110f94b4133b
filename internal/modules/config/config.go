package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDirENV      = "CONFIG_DIR"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"
	envPrefix         = "SURGE"
)

type Kiwoom struct {
	RestURL     string        `yaml:"rest_url"`
	WSURL       string        `yaml:"ws_url"`
	AppKey      string        `yaml:"app_key"`
	SecretKey   string        `yaml:"secret_key"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

type Stream struct {
	LoginTimeout time.Duration `yaml:"login_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // после такой тишины считаем обрыв
	PongDeadline time.Duration `yaml:"pong_deadline"` // дедлайн на эхо PING
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	GroupNo      string        `yaml:"group_no"`
	RealType     string        `yaml:"real_type"`
	Buffer       int           `yaml:"buffer"`
}

type Screening struct {
	SurgeRatioMin  float64       `yaml:"surge_ratio_min"`  // %
	PriceChangeMin float64       `yaml:"price_change_min"` // %, строго больше
	NotionalFloor  float64       `yaml:"notional_floor"`
	Window         time.Duration `yaml:"window"`
	MinScore       int           `yaml:"min_score"`
	MinBars        int           `yaml:"min_bars"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	RateLimit      float64       `yaml:"rate_limit"` // запросов в секунду
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

type Watchlist struct {
	Codes      []string      `yaml:"codes"`
	TopN       int           `yaml:"top_n"`
	Refresh    time.Duration `yaml:"refresh"`
	MarketType string        `yaml:"market_type"` // 000 все, 001 KOSPI, 101 KOSDAQ
}

type Positions struct {
	TakeProfitPct     float64       `yaml:"take_profit_pct"` // 6 => +6%
	StopLossPct       float64       `yaml:"stop_loss_pct"`   // -3 => -3%
	Cooldown          time.Duration `yaml:"cooldown"`
	BuyRetries        int           `yaml:"buy_retries"`
	OrderQty          int64         `yaml:"order_qty"`
	MaxOpen           int           `yaml:"max_open"`
	SellRetryDelay    time.Duration `yaml:"sell_retry_delay"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type Orders struct {
	Timeout        time.Duration `yaml:"timeout"`
	NetworkRetries int           `yaml:"network_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

type Store struct {
	Driver string `yaml:"driver"` // file | postgres
	Path   string `yaml:"path"`
}

// Config ...
type Config struct {
	Service struct {
		Name      string `yaml:"name"`
		AdminPort int    `yaml:"admin_port"`
		LogLevel  string `yaml:"log_level"`
	} `yaml:"service"`
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"tracing"`
	Shutdown struct {
		Grace time.Duration `yaml:"grace"`
	} `yaml:"shutdown"`

	DB        string    `yaml:"db_dsn"`
	Kiwoom    Kiwoom    `yaml:"kiwoom"`
	Stream    Stream    `yaml:"stream"`
	Screening Screening `yaml:"screening"`
	Watchlist Watchlist `yaml:"watchlist"`
	Positions Positions `yaml:"positions"`
	Orders    Orders    `yaml:"orders"`
	Store     Store     `yaml:"store"`
}

// Default возвращает значения, поверх которых читается yaml.
func Default() Config {
	c := Config{
		Kiwoom: Kiwoom{
			RestURL:     "https://api.kiwoom.com",
			WSURL:       "wss://api.kiwoom.com:10000/api/dostk/websocket",
			HTTPTimeout: 10 * time.Second,
		},
		Stream: Stream{
			LoginTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			PongDeadline: 5 * time.Second,
			BackoffBase:  time.Second,
			BackoffMax:   30 * time.Second,
			GroupNo:      "1",
			RealType:     "0B",
			Buffer:       1024,
		},
		Screening: Screening{
			SurgeRatioMin:  10,
			PriceChangeMin: 0,
			NotionalFloor:  50_000_000,
			Window:         time.Minute,
			MinScore:       5,
			MinBars:        60,
			Workers:        4,
			QueueSize:      256,
			RateLimit:      5,
			FetchTimeout:   10 * time.Second,
		},
		Watchlist: Watchlist{
			TopN:       50,
			Refresh:    5 * time.Minute,
			MarketType: "000",
		},
		Positions: Positions{
			TakeProfitPct:     6,
			StopLossPct:       -3,
			Cooldown:          30 * time.Minute,
			BuyRetries:        3,
			OrderQty:          1,
			MaxOpen:           5,
			SellRetryDelay:    30 * time.Second,
			ReconcileInterval: 5 * time.Minute,
		},
		Orders: Orders{
			Timeout:        5 * time.Second,
			NetworkRetries: 2,
			RetryBackoff:   500 * time.Millisecond,
		},
		Store: Store{
			Driver: "file",
			Path:   "data/positions.json",
		},
	}
	c.Service.Name = "surge_bot"
	c.Service.AdminPort = 8080
	c.Service.LogLevel = "info"
	c.Tracing.Host = "localhost"
	c.Tracing.Port = 6831
	c.Shutdown.Grace = 10 * time.Second
	return c
}

func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	name := getenvDefault(configFilePathENV, "values_local.yaml")
	dir := getenvDefault(configDirENV, "configs")

	return Load(filepath.Join(dir, name))
}

// Load читает yaml поверх дефолтов и накладывает переменные окружения.
// Без файла работаем на дефолтах и env.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	switch {
	case err == nil:
		defer func() {
			_ = file.Close()
		}()
		if err := yaml.NewDecoder(file).Decode(&config); err != nil {
			return nil, errors.Wrapf(err, "decode config %s", path)
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrapf(err, "open config %s", path)
	}

	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv накладывает SURGE_KIWOOM_APP_KEY и т.п. через viper, плюс старые имена.
func applyEnv(c *Config) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	overrideString(v, "kiwoom.rest_url", &c.Kiwoom.RestURL)
	overrideString(v, "kiwoom.ws_url", &c.Kiwoom.WSURL)
	overrideString(v, "kiwoom.app_key", &c.Kiwoom.AppKey)
	overrideString(v, "kiwoom.secret_key", &c.Kiwoom.SecretKey)
	overrideString(v, "store.driver", &c.Store.Driver)
	overrideString(v, "store.path", &c.Store.Path)
	overrideString(v, "service.log_level", &c.Service.LogLevel)
	overrideString(v, "db_dsn", &c.DB)
	overrideString(v, "telegram.token", &c.Telegram.Token)

	if v.IsSet("telegram.chat_id") {
		c.Telegram.ChatID = v.GetInt64("telegram.chat_id")
	}
	if v.IsSet("tracing.enabled") {
		c.Tracing.Enabled = v.GetBool("tracing.enabled")
	}
	if v.IsSet("positions.max_open") {
		c.Positions.MaxOpen = v.GetInt("positions.max_open")
	}
	if v.IsSet("positions.order_qty") {
		c.Positions.OrderQty = v.GetInt64("positions.order_qty")
	}
	if v.IsSet("screening.workers") {
		c.Screening.Workers = v.GetInt("screening.workers")
	}
	if v.IsSet("watchlist.codes") {
		c.Watchlist.Codes = splitCodes(v.GetString("watchlist.codes"))
	}

	if token := os.Getenv(tokenTelegramENV); token != "" {
		c.Telegram.Token = token
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		c.DB = dsn
	}
	c.Positions.Cooldown = durationFromEnv("COOLDOWN_PER_SYMBOL", c.Positions.Cooldown)
}

// Validate ловит конфиги, с которыми автомат позиций ведёт себя бессмысленно.
func (c *Config) Validate() error {
	switch {
	case c.Positions.TakeProfitPct <= 0:
		return errors.New("positions.take_profit_pct must be > 0")
	case c.Positions.StopLossPct >= 0:
		return errors.New("positions.stop_loss_pct must be < 0")
	case c.Positions.OrderQty <= 0:
		return errors.New("positions.order_qty must be > 0")
	case c.Screening.Workers < 1:
		return errors.New("screening.workers must be >= 1")
	case c.Screening.MinBars < 60:
		return errors.New("screening.min_bars must be >= 60")
	case c.Store.Driver != "file" && c.Store.Driver != "postgres":
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	case c.Store.Driver == "postgres" && c.DB == "":
		return errors.New("db_dsn is required for postgres store")
	}
	return nil
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}

func splitCodes(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if sec, err := strconv.Atoi(v); err == nil {
		return time.Duration(sec) * time.Second
	}
	return def
}
