package rpc

import (
	"os"
	"strconv"
	"strings"
	"time"

	"pali-wallet/go-mediator/internal/platform/ratelimiter"
)

const (
	rpcRateLimitEnabledEnv = "PALI_RPC_RATE_LIMIT_ENABLED"
	rpcRateLimitRPSEnv     = "PALI_RPC_RATE_LIMIT_RPS"
	rpcRateLimitBurstEnv   = "PALI_RPC_RATE_LIMIT_BURST"
)

type rpcRateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

func loadRPCRateLimitConfig() rpcRateLimitConfig {
	cfg := rpcRateLimitConfig{
		Enabled: true,
		RPS:     30,
		Burst:   60,
	}
	if env, ok := parseBoolEnv(rpcRateLimitEnabledEnv); ok {
		cfg.Enabled = env
	} else {
		switch strings.ToLower(strings.TrimSpace(os.Getenv("PALI_ENV"))) {
		case "test", "testing":
			cfg.Enabled = false
		}
	}
	if raw := strings.TrimSpace(os.Getenv(rpcRateLimitRPSEnv)); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			cfg.RPS = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv(rpcRateLimitBurstEnv)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.Burst = parsed
		}
	}
	return cfg
}

// newRPCRateLimiter returns nil when disabled; a nil HostLimiter allows
// everything.
func newRPCRateLimiter(cfg rpcRateLimitConfig) *ratelimiter.HostLimiter {
	if !cfg.Enabled {
		return nil
	}
	return ratelimiter.New(cfg.RPS, cfg.Burst, 10*time.Minute)
}
