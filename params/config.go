// Package params resolves the node configuration. Precedence, lowest to
// highest: built-in defaults, the YAML file named by DARKPOOL_CONFIG, a .env
// file, then DARKPOOL_* environment variables.
package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Oracle modes.
const (
	OracleModeLocal = "local"
	OracleModeHTTP  = "http"
)

// Duration decodes YAML scalars like "750ms" or "1s"; a bare integer is read
// as milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Wrap(err, "invalid duration node")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Server struct {
	ListenAddr string `yaml:"listen_addr"`
	// CORSOrigins empty means allow all (development default).
	CORSOrigins     []string `yaml:"cors_origins"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type Chain struct {
	RPCURL             string `yaml:"rpc_url"`
	HorizonURL         string `yaml:"horizon_url"`
	SettlementContract string `yaml:"settlement_contract"`
	RegistryContract   string `yaml:"registry_contract"`
	PaymentAsset       string `yaml:"payment_asset"`
	BaseFee            int64  `yaml:"base_fee"`
	TxTimeoutSeconds   int64  `yaml:"tx_timeout_seconds"`
	// PollInterval and PollAttempts bound confirmation polling; the Horizon
	// fallback runs only after the attempts are exhausted.
	PollInterval Duration `yaml:"poll_interval"`
	PollAttempts int      `yaml:"poll_attempts"`
}

type Oracle struct {
	Mode string `yaml:"mode"` // local | http
	URL  string `yaml:"url"`
	// AutoProcess drains the match queue on a timer instead of waiting for
	// POST /api/matches/process.
	AutoProcess     bool     `yaml:"auto_process"`
	ProcessInterval Duration `yaml:"process_interval"`
}

type Whitelist struct {
	Depth int `yaml:"depth"`
	// TraderIndex pins trader addresses to whitelist leaf indices ahead of
	// the synced registry mapping.
	TraderIndex map[string]int `yaml:"trader_index"`
}

type Log struct {
	Level      string   `yaml:"level"`
	JSON       bool     `yaml:"json"`
	File       string   `yaml:"file"`
	RedactKeys []string `yaml:"redact_keys"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Chain     Chain     `yaml:"chain"`
	Oracle    Oracle    `yaml:"oracle"`
	Whitelist Whitelist `yaml:"whitelist"`
	Log       Log       `yaml:"log"`
}

func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:      ":3001",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Chain: Chain{
			RPCURL:           "https://soroban-testnet.stellar.org",
			HorizonURL:       "https://horizon-testnet.stellar.org",
			PaymentAsset:     "CBIELTK6YBZJU5UP2WWQEUCYKLPU6AUNZ2BQ4WWFEIE3USCIHMXQDAMA",
			BaseFee:          100,
			TxTimeoutSeconds: 300,
			PollInterval:     Duration(time.Second),
			PollAttempts:     30,
		},
		Oracle: Oracle{
			Mode:            OracleModeLocal,
			ProcessInterval: Duration(5 * time.Second),
		},
		Whitelist: Whitelist{
			Depth: 10,
		},
		Log: Log{
			Level:      "info",
			RedactKeys: []string{"secret", "nonce"},
		},
	}
}

// Load resolves the effective configuration. configPath overrides
// DARKPOOL_CONFIG; both empty skips the YAML layer. A missing .env file is
// not an error.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = os.Getenv("DARKPOOL_CONFIG")
	}
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config file %s", configPath)
		}
	}

	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "DARKPOOL_LISTEN_ADDR")
	if origins := os.Getenv("DARKPOOL_CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = splitCSV(origins)
	}
	setDurationMs(&cfg.Server.ShutdownTimeout, "DARKPOOL_SHUTDOWN_TIMEOUT_MS")

	setString(&cfg.Chain.RPCURL, "DARKPOOL_RPC_URL")
	setString(&cfg.Chain.HorizonURL, "DARKPOOL_HORIZON_URL")
	setString(&cfg.Chain.SettlementContract, "DARKPOOL_SETTLEMENT_CONTRACT")
	setString(&cfg.Chain.RegistryContract, "DARKPOOL_REGISTRY_CONTRACT")
	setString(&cfg.Chain.PaymentAsset, "DARKPOOL_PAYMENT_ASSET")
	setInt64(&cfg.Chain.BaseFee, "DARKPOOL_BASE_FEE")
	setInt64(&cfg.Chain.TxTimeoutSeconds, "DARKPOOL_TX_TIMEOUT_SECONDS")
	setDurationMs(&cfg.Chain.PollInterval, "DARKPOOL_POLL_INTERVAL_MS")
	setInt(&cfg.Chain.PollAttempts, "DARKPOOL_POLL_ATTEMPTS")

	setString(&cfg.Oracle.Mode, "DARKPOOL_ORACLE_MODE")
	setString(&cfg.Oracle.URL, "DARKPOOL_ORACLE_URL")
	setBool(&cfg.Oracle.AutoProcess, "DARKPOOL_AUTO_PROCESS")
	setDurationMs(&cfg.Oracle.ProcessInterval, "DARKPOOL_PROCESS_INTERVAL_MS")

	setInt(&cfg.Whitelist.Depth, "DARKPOOL_WHITELIST_DEPTH")

	setString(&cfg.Log.Level, "DARKPOOL_LOG_LEVEL")
	setBool(&cfg.Log.JSON, "DARKPOOL_LOG_JSON")
	setString(&cfg.Log.File, "DARKPOOL_LOG_FILE")
	if keys := os.Getenv("DARKPOOL_LOG_REDACT_KEYS"); keys != "" {
		cfg.Log.RedactKeys = splitCSV(keys)
	}
}

// Validate rejects configurations the node cannot start with.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server listen address is required")
	}
	switch c.Oracle.Mode {
	case OracleModeLocal:
	case OracleModeHTTP:
		if c.Oracle.URL == "" {
			return errors.Errorf("oracle mode %q requires an oracle url", OracleModeHTTP)
		}
	default:
		return errors.Errorf("unknown oracle mode %q", c.Oracle.Mode)
	}
	if c.Whitelist.Depth < 1 || c.Whitelist.Depth > 24 {
		return errors.Errorf("whitelist depth %d outside 1..24", c.Whitelist.Depth)
	}
	if c.Chain.PollAttempts < 1 {
		return errors.New("poll attempts must be at least 1")
	}
	if c.Chain.BaseFee <= 0 {
		return errors.New("base fee must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDurationMs(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = Duration(time.Duration(ms) * time.Millisecond)
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
