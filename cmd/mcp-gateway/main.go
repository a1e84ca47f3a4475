package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/gateway"
)

var BuildVersion = "dev"

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stderr)
	log.SetPrefix("")
}

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]interface{}{
		"name":           "mcp-gateway",
		"addr":           ":9000",
		"appConfigPath":  "app.yaml",
		"serversPath":    "mcp.json",
		"connectTimeout": "30s",
		"sessionTimeout": "30m",
		"adminTokens": []interface{}{
			map[string]interface{}{"$env": "MCP_GATEWAY_ADMIN_TOKEN"},
		},
		"tokens": map[string]interface{}{
			"kind": "file",
			"dir":  "tokens",
		},
		"audit": map[string]interface{}{
			"path": "audit.db",
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (defaults apply when omitted)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			internal.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	cfg := config.DefaultGatewayConfig()
	if *conf != "" {
		var err error
		cfg, err = config.Load(*conf)
		if err != nil {
			internal.LogError("Failed to load config: %v", err)
			os.Exit(1)
		}
	}
	cfg.Version = BuildVersion

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		internal.LogError("Failed to start gateway: %v", err)
		os.Exit(1)
	}
	if err := gw.Run(ctx); err != nil {
		internal.LogError("Gateway stopped: %v", err)
		os.Exit(1)
	}
}
