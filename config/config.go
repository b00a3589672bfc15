package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/perpx/internal/domain"
)

// Config es la configuración completa de perpx.
type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Contracts ContractsConfig `yaml:"contracts"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Price     PriceConfig     `yaml:"price"`
	Paper     PaperConfig     `yaml:"paper"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ChainConfig describe la red y la cuenta firmante.
type ChainConfig struct {
	RPCURL            string    `yaml:"rpc_url"`
	ChainID           int64     `yaml:"chain_id"`
	PrivateKey        string    `yaml:"-"` // solo desde PERPX_PRIVATE_KEY, nunca en el YAML
	ReceiptPollMillis int       `yaml:"receipt_poll_ms"`
	Gas               GasConfig `yaml:"gas"`
}

// GasConfig son los gas limits fijos por operación.
type GasConfig struct {
	PriceUpdate   uint64 `yaml:"price_update"`
	Approve       uint64 `yaml:"approve"`
	OpenPosition  uint64 `yaml:"open_position"`
	ClosePosition uint64 `yaml:"close_position"`
}

// ContractsConfig contiene las direcciones de los contratos y los mercados.
type ContractsConfig struct {
	Vault           string                  `yaml:"vault"`
	PriceAdapter    string                  `yaml:"price_adapter"`
	CollateralToken string                  `yaml:"collateral_token"`
	PositionManager string                  `yaml:"position_manager"`
	TokenDecimals   int32                   `yaml:"token_decimals"`
	Markets         map[string]MarketConfig `yaml:"markets"` // clave: nombre, p.ej. "BTC/USD"
}

// MarketConfig es un mercado de outcome configurado.
type MarketConfig struct {
	Address     string `yaml:"address"`
	FeedID      string `yaml:"feed_id"`
	CoinGeckoID string `yaml:"coingecko_id"`
}

// PipelineConfig controla los tiempos del pipeline de apertura.
type PipelineConfig struct {
	WatchdogBoundSeconds      int   `yaml:"watchdog_bound_seconds"`
	ManualResetAfterSeconds   int   `yaml:"manual_reset_after_seconds"`
	SuccessDisplayDelayMillis int   `yaml:"success_display_delay_ms"`
	TickIntervalMillis        int   `yaml:"tick_interval_ms"`
	MaxLeverage               int64 `yaml:"max_leverage"`
}

// PriceConfig configura el proveedor de precios de referencia.
type PriceConfig struct {
	CoinGeckoBase   string  `yaml:"coingecko_base"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// PaperConfig es la cuenta simulada del modo -paper.
type PaperConfig struct {
	Balance       float64 `yaml:"balance"`
	Allowance     float64 `yaml:"allowance"`
	LatencyMillis int     `yaml:"latency_ms"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// MetricsConfig controla el endpoint de Prometheus. Vacío = desactivado.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
// Un path vacío usa solo defaults + entorno.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	return &cfg, nil
}

// WatchdogBound devuelve el límite del watchdog como time.Duration.
func (c *Config) WatchdogBound() time.Duration {
	return time.Duration(c.Pipeline.WatchdogBoundSeconds) * time.Second
}

// ManualResetAfter devuelve cuándo se ofrece el reset manual.
func (c *Config) ManualResetAfter() time.Duration {
	return time.Duration(c.Pipeline.ManualResetAfterSeconds) * time.Second
}

// SuccessDisplayDelay es cuánto queda visible un pipeline terminado.
func (c *Config) SuccessDisplayDelay() time.Duration {
	return time.Duration(c.Pipeline.SuccessDisplayDelayMillis) * time.Millisecond
}

// TickInterval es la frecuencia de chequeo del watchdog.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Pipeline.TickIntervalMillis) * time.Millisecond
}

// ReceiptPoll es la frecuencia de polling de receipts.
func (c *Config) ReceiptPoll() time.Duration {
	return time.Duration(c.Chain.ReceiptPollMillis) * time.Millisecond
}

// PriceCacheTTL es la vida de un precio cacheado.
func (c *Config) PriceCacheTTL() time.Duration {
	return time.Duration(c.Price.CacheTTLSeconds) * time.Second
}

// PaperLatency es la latencia simulada por confirmación.
func (c *Config) PaperLatency() time.Duration {
	return time.Duration(c.Paper.LatencyMillis) * time.Millisecond
}

// MarketList devuelve los mercados configurados ordenados por nombre.
func (c *Config) MarketList() []domain.Market {
	names := make([]string, 0, len(c.Contracts.Markets))
	for name := range c.Contracts.Markets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]domain.Market, 0, len(names))
	for _, name := range names {
		m := c.Contracts.Markets[name]
		out = append(out, domain.Market{
			Name:        name,
			Address:     m.Address,
			PriceFeedID: m.FeedID,
			CoinGeckoID: m.CoinGeckoID,
		})
	}
	return out
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("PERPX_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("PERPX_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("PERPX_CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PERPX_CHAIN_ID: %w", err)
		}
		cfg.Chain.ChainID = id
	}
	if v := os.Getenv("PERPX_DB"); v != "" {
		cfg.Storage.DSN = v
	}
	return nil
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
// Las direcciones por defecto son las del despliegue en Arbitrum Sepolia.
func setDefaults(cfg *Config) {
	if cfg.Chain.RPCURL == "" {
		cfg.Chain.RPCURL = "https://sepolia-rollup.arbitrum.io/rpc"
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 421614
	}
	if cfg.Chain.ReceiptPollMillis <= 0 {
		cfg.Chain.ReceiptPollMillis = 2000
	}
	if cfg.Chain.Gas.PriceUpdate == 0 {
		cfg.Chain.Gas.PriceUpdate = 300_000
	}
	if cfg.Chain.Gas.Approve == 0 {
		cfg.Chain.Gas.Approve = 100_000
	}
	if cfg.Chain.Gas.OpenPosition == 0 {
		cfg.Chain.Gas.OpenPosition = 3_000_000
	}
	if cfg.Chain.Gas.ClosePosition == 0 {
		cfg.Chain.Gas.ClosePosition = 1_000_000
	}

	if cfg.Contracts.Vault == "" {
		cfg.Contracts.Vault = "0x456628c1ac3da5b0a1b15f28762a643a38ae5745"
	}
	if cfg.Contracts.PriceAdapter == "" {
		cfg.Contracts.PriceAdapter = "0xcadfc95764e2480d3a44f3a74fb5bd225582e012"
	}
	if cfg.Contracts.CollateralToken == "" {
		cfg.Contracts.CollateralToken = "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d"
	}
	if cfg.Contracts.PositionManager == "" {
		cfg.Contracts.PositionManager = "0xcb3e422143d1c5603c86b0ccd419156bf5d8b045"
	}
	if cfg.Contracts.TokenDecimals <= 0 {
		cfg.Contracts.TokenDecimals = 6
	}
	if len(cfg.Contracts.Markets) == 0 {
		cfg.Contracts.Markets = defaultMarkets()
	}

	if cfg.Pipeline.WatchdogBoundSeconds <= 0 {
		cfg.Pipeline.WatchdogBoundSeconds = 120
	}
	if cfg.Pipeline.ManualResetAfterSeconds <= 0 {
		cfg.Pipeline.ManualResetAfterSeconds = 60
	}
	if cfg.Pipeline.SuccessDisplayDelayMillis <= 0 {
		cfg.Pipeline.SuccessDisplayDelayMillis = 3000
	}
	if cfg.Pipeline.TickIntervalMillis <= 0 {
		cfg.Pipeline.TickIntervalMillis = 1000
	}
	if cfg.Pipeline.MaxLeverage <= 0 {
		cfg.Pipeline.MaxLeverage = 40
	}

	if cfg.Price.CoinGeckoBase == "" {
		cfg.Price.CoinGeckoBase = "https://api.coingecko.com/api/v3"
	}
	if cfg.Price.RatePerSecond <= 0 {
		cfg.Price.RatePerSecond = 0.4 // plan gratuito: ~25 req/min
	}
	if cfg.Price.CacheTTLSeconds <= 0 {
		cfg.Price.CacheTTLSeconds = 30
	}

	if cfg.Paper.Balance <= 0 {
		cfg.Paper.Balance = 1000
	}
	if cfg.Paper.LatencyMillis <= 0 {
		cfg.Paper.LatencyMillis = 1500
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "perpx.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func defaultMarkets() map[string]MarketConfig {
	return map[string]MarketConfig{
		"BTC/USD": {
			Address:     "0xf8c4ea0762fa9f8c87aea45bc37b1f3f2e66bdaa",
			FeedID:      "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a4b68b0",
			CoinGeckoID: "bitcoin",
		},
		"BTC/USD-MACRO": {
			Address:     "0x091e2b7646594ea506f3ae5d10c6a5fc0376af68",
			FeedID:      "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a4b68b0",
			CoinGeckoID: "bitcoin",
		},
		"ETH/USD": {
			Address:     "0xfa2644c8617bfcff3ea552fdb66b7dd4f7f01b04",
			FeedID:      "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
			CoinGeckoID: "ethereum",
		},
		"ARB/USD": {
			Address:     "0xc66226ab3c4cb72bef653dc0f100186ddf515abc",
			FeedID:      "0x3fa4252848f9f0a1480be62745a4629d9eb1322aebab8a791e344b3b9c1adcf5",
			CoinGeckoID: "arbitrum",
		},
	}
}
