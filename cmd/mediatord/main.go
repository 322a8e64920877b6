package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"pali-wallet/go-mediator/internal/api"
	"pali-wallet/go-mediator/internal/bootstrap/mediatorconfig"
	"pali-wallet/go-mediator/internal/composition/mediator"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address (overrides config)")
	configPath := flag.String("config", "", "Path to mediator.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for encrypted daemon state (optional)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-Pali-RPC-Token (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("mediatord version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	// Local .env keeps tokens out of shell history during development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *rpcToken != "" {
		_ = os.Setenv("PALI_RPC_TOKEN", *rpcToken)
	}

	cfg := mediatorconfig.LoadFromPath(*configPath)
	if *rpcAddr != "" {
		cfg.RPCAddr = *rpcAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	resolvedDir, secret, err := mediator.ResolveStorage(cfg.DataDir)
	if err != nil {
		log.Fatalf("mediatord failed to resolve storage: %v", err)
	}

	srv := api.NewServerWithAddr(cfg.RPCAddr, api.Options{
		DataDir:        resolvedDir,
		StoreSecret:    secret,
		SpamConfig:     cfg.Spam,
		CorrelationTTL: cfg.CorrelationTTL,
		Network:        cfg.Network,
	})

	log.Println("mediatord starting")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("mediatord failed: %v", err)
	}
	log.Println("mediatord stopped")
}
