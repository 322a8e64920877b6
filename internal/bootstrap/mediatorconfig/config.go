package mediatorconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pali-wallet/go-mediator/internal/adapters/rpc"
	"pali-wallet/go-mediator/internal/app"
	"pali-wallet/go-mediator/pkg/models"
)

// Config is the resolved daemon configuration: file values merged over
// defaults, env overrides applied last.
type Config struct {
	RPCAddr        string
	DataDir        string
	Spam           models.SpamFilterConfig
	CorrelationTTL time.Duration
	Network        models.NetworkInfo
}

func Default() Config {
	return Config{
		RPCAddr:        rpc.DefaultRPCAddr,
		Spam:           app.DefaultSpamFilterConfig(),
		CorrelationTTL: app.DefaultCorrelationTTL,
		Network: models.NetworkInfo{
			ChainID: "0x39",
			Label:   "Syscoin Mainnet",
		},
	}
}

type DaemonConfig struct {
	Mediator DaemonMediatorConfig `yaml:"mediator"`
}

// Duration fields are strings in time.ParseDuration format ("45s", "2m");
// unparseable values are ignored and the default stands.
type DaemonMediatorConfig struct {
	RPCAddr        string              `yaml:"rpcAddr"`
	DataDir        string              `yaml:"dataDir"`
	CorrelationTTL string              `yaml:"correlationTTL"`
	Spam           DaemonSpamConfig    `yaml:"spam"`
	Network        DaemonNetworkConfig `yaml:"network"`
}

type DaemonSpamConfig struct {
	RequestThreshold int    `yaml:"requestThreshold"`
	TimeWindow       string `yaml:"timeWindow"`
	BlockDuration    string `yaml:"blockDuration"`
	Enabled          *bool  `yaml:"enabled"`
}

type DaemonNetworkConfig struct {
	ChainID  string `yaml:"chainId"`
	Label    string `yaml:"label"`
	Currency string `yaml:"currency"`
	URL      string `yaml:"url"`
}

func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/mediator.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed DaemonConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed.Mediator)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src DaemonMediatorConfig) {
	if src.RPCAddr != "" {
		dst.RPCAddr = src.RPCAddr
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if d, ok := parseDuration(src.CorrelationTTL); ok {
		dst.CorrelationTTL = d
	}
	if src.Spam.RequestThreshold != 0 {
		dst.Spam.RequestThreshold = src.Spam.RequestThreshold
	}
	if d, ok := parseDuration(src.Spam.TimeWindow); ok {
		dst.Spam.TimeWindow = d
	}
	if d, ok := parseDuration(src.Spam.BlockDuration); ok {
		dst.Spam.BlockDuration = d
	}
	if src.Spam.Enabled != nil {
		dst.Spam.Enabled = *src.Spam.Enabled
	}
	if src.Network.ChainID != "" {
		dst.Network.ChainID = src.Network.ChainID
	}
	if src.Network.Label != "" {
		dst.Network.Label = src.Network.Label
	}
	if src.Network.Currency != "" {
		dst.Network.Currency = src.Network.Currency
	}
	if src.Network.URL != "" {
		dst.Network.URL = src.Network.URL
	}
}

func parseDuration(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func ApplyEnvOverrides(cfg *Config) {
	if addr := strings.TrimSpace(os.Getenv("PALI_RPC_ADDR")); addr != "" {
		cfg.RPCAddr = addr
	}
	if dir := strings.TrimSpace(os.Getenv("PALI_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}

	raw := strings.TrimSpace(os.Getenv("PALI_SPAM_FILTER_ENABLED"))
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return
	}
	cfg.Spam.Enabled = v
}
