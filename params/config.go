package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Server struct {
	Addr        string
	APIKey      string
	CORSOrigins []string
}

type MT5 struct {
	Server   string
	Login    string
	Password string
	// BridgeCommand launches the connector subprocess that speaks
	// line-delimited JSON on stdin/stdout (e.g. "python3 mt5_connector.py").
	BridgeCommand  string
	RequestTimeout time.Duration // non-trade RPCs
	TradeTimeout   time.Duration // place_trade / close_trade
	Symbol         string        // upstream symbol the GOLD instrument maps to
}

type Vendor struct {
	AccountSID string
	AuthToken  string
	Sender     string // e.g. "whatsapp:+14155238886"
}

type Store struct {
	Path string
}

type Trading struct {
	// BaseAmountPerVolume is the AED notional reserved per unit of volume
	// before margin; MinimumBalancePct is the margin percentage on top.
	BaseAmountPerVolume decimal.Decimal
	MinimumBalancePct   decimal.Decimal
	AllowNegativeMetal  bool
}

type MarketData struct {
	PollInterval    time.Duration
	MinPollInterval time.Duration
	MaxPollInterval time.Duration
	CacheTTL        time.Duration
	InactiveTimeout time.Duration
}

type Config struct {
	Server     Server
	MT5        MT5
	Vendor     Vendor
	Store      Store
	Trading    Trading
	MarketData MarketData
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		MT5: MT5{
			BridgeCommand:  "python3 mt5_connector.py",
			RequestTimeout: 30 * time.Second,
			TradeTimeout:   45 * time.Second,
			Symbol:         "XAUUSD",
		},
		Store: Store{
			Path: "data/broker.db",
		},
		Trading: Trading{
			BaseAmountPerVolume: decimal.NewFromInt(26000),
			MinimumBalancePct:   decimal.NewFromInt(10),
			AllowNegativeMetal:  true,
		},
		MarketData: MarketData{
			PollInterval:    10 * time.Second,
			MinPollInterval: 5 * time.Second,
			MaxPollInterval: 30 * time.Second,
			CacheTTL:        15 * time.Second,
			InactiveTimeout: 5 * time.Minute,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	cfg.Server.APIKey = getEnv("API_KEY", cfg.Server.APIKey)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = strings.Split(origins, ",")
	}

	cfg.MT5.Server = getEnv("MT5_SERVER", cfg.MT5.Server)
	cfg.MT5.Login = getEnv("MT5_LOGIN", cfg.MT5.Login)
	cfg.MT5.Password = getEnv("MT5_PASSWORD", cfg.MT5.Password)
	cfg.MT5.BridgeCommand = getEnv("MT5_BRIDGE_COMMAND", cfg.MT5.BridgeCommand)
	cfg.MT5.Symbol = getEnv("MT5_SYMBOL", cfg.MT5.Symbol)
	cfg.MT5.RequestTimeout = getEnvDurationMs("MT5_REQUEST_TIMEOUT_MS", cfg.MT5.RequestTimeout)
	cfg.MT5.TradeTimeout = getEnvDurationMs("MT5_TRADE_TIMEOUT_MS", cfg.MT5.TradeTimeout)

	cfg.Vendor.AccountSID = getEnv("TWILIO_ACCOUNT_SID", cfg.Vendor.AccountSID)
	cfg.Vendor.AuthToken = getEnv("TWILIO_AUTH_TOKEN", cfg.Vendor.AuthToken)
	cfg.Vendor.Sender = getEnv("TWILIO_SENDER", cfg.Vendor.Sender)

	cfg.Store.Path = getEnv("DB_PATH", cfg.Store.Path)

	if v := os.Getenv("BASE_AMOUNT_PER_VOLUME"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Trading.BaseAmountPerVolume = d
		}
	}
	if v := os.Getenv("MINIMUM_BALANCE_PCT"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Trading.MinimumBalancePct = d
		}
	}
	if v := os.Getenv("ALLOW_NEGATIVE_METAL"); v != "" {
		cfg.Trading.AllowNegativeMetal = v == "true" || v == "1"
	}

	cfg.MarketData.PollInterval = getEnvDurationMs("MD_POLL_INTERVAL_MS", cfg.MarketData.PollInterval)
	cfg.MarketData.MinPollInterval = getEnvDurationMs("MD_MIN_POLL_INTERVAL_MS", cfg.MarketData.MinPollInterval)
	cfg.MarketData.MaxPollInterval = getEnvDurationMs("MD_MAX_POLL_INTERVAL_MS", cfg.MarketData.MaxPollInterval)
	cfg.MarketData.CacheTTL = getEnvDurationMs("MD_CACHE_TTL_MS", cfg.MarketData.CacheTTL)
	cfg.MarketData.InactiveTimeout = getEnvDurationMs("MD_INACTIVE_TIMEOUT_MS", cfg.MarketData.InactiveTimeout)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDurationMs(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
