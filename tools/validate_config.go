//go:build tools
// +build tools

// Package main provides a configuration validation tool for HashPass.
// It loads and validates a server configuration file and prints the
// effective values, environment overrides included.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"hashpass/config"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: search paths)")
	flag.Parse()

	fmt.Println("Validating HashPass Configuration")
	fmt.Println("=================================")
	fmt.Println()

	if !validateConfig(*configPath) {
		os.Exit(1)
	}
}

func validateConfig(configPath string) bool {
	if configPath == "" {
		configPath = findConfigFile("hashpass-config.yaml")
		if configPath == "" {
			fmt.Println("Status: ⚠️  No config file found (will use defaults)")
			fmt.Println("Search paths:")
			fmt.Println("  - ./hashpass-config.yaml")
			fmt.Println("  - ~/.hashpass/hashpass-config.yaml")
			fmt.Println("  - /etc/hashpass/hashpass-config.yaml")
		}
	}

	if configPath != "" {
		fmt.Printf("File: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Status: ❌ INVALID\n")
		fmt.Printf("Error: %v\n", err)
		return false
	}

	fmt.Println("Status: ✅ VALID")
	fmt.Println()
	fmt.Println("Loaded Configuration:")
	fmt.Printf("  Port:                 %d\n", cfg.Port)
	fmt.Printf("  Difficulty:           %d (range %d-%d)\n", cfg.Difficulty, cfg.MinDifficulty, cfg.MaxDifficulty)
	fmt.Printf("  Target Solve Time:    %.0fs\n", cfg.TargetTime)
	fmt.Printf("  Target Timeout:       %.0fs\n", cfg.TargetTimeout)
	fmt.Printf("  Max Nonce Speed:      %.0f/s\n", cfg.MaxNonceSpeed)
	fmt.Printf("  Argon2 Time Cost:     %d\n", cfg.Argon2.TimeCost)
	fmt.Printf("  Argon2 Memory Cost:   %d KiB\n", cfg.Argon2.MemoryCost)
	fmt.Printf("  Argon2 Parallelism:   %d\n", cfg.Argon2.Parallelism)
	fmt.Printf("  Client Worker Count:  %d\n", cfg.WorkerCount)
	fmt.Printf("  Verify Workers:       %d (0 = auto)\n", cfg.VerifyWorkers)
	fmt.Printf("  Session Expiry:       %v\n", cfg.SessionExpiry)
	fmt.Printf("  Session Absolute TTL: %v (0 = disabled)\n", cfg.SessionAbsoluteTTL)
	fmt.Printf("  HMAC Secret Set:      %t\n", cfg.HMACSecret != "")
	fmt.Printf("  Admin Token Set:      %t\n", cfg.AdminToken != "")
	fmt.Printf("  Turnstile Test Mode:  %t\n", cfg.Turnstile.TestMode)
	fmt.Printf("  Webhook Configured:   %t\n", cfg.Webhook.URL != "")
	fmt.Printf("  API Read Timeout:     %v\n", cfg.API.ReadTimeout)
	fmt.Printf("  API Write Timeout:    %v\n", cfg.API.WriteTimeout)
	fmt.Printf("  API Idle Timeout:     %v\n", cfg.API.IdleTimeout)
	fmt.Printf("  Audit Log:            %s\n", cfg.Files.AuditLog)
	fmt.Printf("  Blacklist File:       %s\n", cfg.Files.Blacklist)
	fmt.Printf("  Static Dir:           %s\n", cfg.Files.StaticDir)
	fmt.Printf("  Log Level:            %s (%s)\n", cfg.Logging.Level, cfg.Logging.Format)

	return true
}

func findConfigFile(filename string) string {
	searchPaths := []string{
		filepath.Join(".", filename),
		filepath.Join(os.Getenv("HOME"), ".hashpass", filename),
		filepath.Join("/etc/hashpass", filename),
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
