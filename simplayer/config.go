package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds one simulated player's settings. Flags win over environment
// variables so a fleet can share an env file and still vary per process.
type Config struct {
	ServerURL    string
	Username     string
	Email        string
	Password     string
	Auto         bool
	DeclineRatio float64
	Opponent     string
	GameType     string
	Heartbeat    time.Duration
	LogLevel     string
}

func loadConfig() (*Config, error) {
	cfg := &Config{}
	flag.StringVar(&cfg.ServerURL, "server", envStr("SERVER_URL", "http://localhost:8080"), "coordinator base URL")
	flag.StringVar(&cfg.Username, "username", envStr("SIM_USERNAME", ""), "player username (required)")
	flag.StringVar(&cfg.Email, "email", envStr("SIM_EMAIL", ""), "player email (defaults to <username>@sim.local)")
	flag.StringVar(&cfg.Password, "password", envStr("SIM_PASSWORD", "simplayer-secret"), "player password")
	flag.BoolVar(&cfg.Auto, "auto", envBool("SIM_AUTO", false), "accept incoming challenges and answer wake-ups")
	flag.Float64Var(&cfg.DeclineRatio, "decline-ratio", envFloat("SIM_DECLINE_RATIO", 0), "fraction of wake-ups answered with DECLINE (0..1)")
	flag.StringVar(&cfg.Opponent, "challenge", envStr("SIM_CHALLENGE", ""), "username to challenge after connecting")
	flag.StringVar(&cfg.GameType, "game", envStr("SIM_GAME", "chess"), "game type for outgoing challenges")
	heartbeat := flag.Int("heartbeat", envInt("HEARTBEAT_INTERVAL_SECONDS", 30), "live-channel heartbeat interval in seconds")
	flag.StringVar(&cfg.LogLevel, "log-level", envStr("LOG_LEVEL", "info"), "log level")
	flag.Parse()

	cfg.Heartbeat = time.Duration(*heartbeat) * time.Second
	if cfg.Username == "" {
		return nil, fmt.Errorf("-username is required")
	}
	if cfg.Email == "" {
		cfg.Email = cfg.Username + "@sim.local"
	}
	if len(cfg.Password) < 6 {
		return nil, fmt.Errorf("-password must be at least 6 characters")
	}
	if cfg.DeclineRatio < 0 || cfg.DeclineRatio > 1 {
		return nil, fmt.Errorf("-decline-ratio must be within [0, 1], got %g", cfg.DeclineRatio)
	}
	if cfg.Heartbeat <= 0 {
		return nil, fmt.Errorf("-heartbeat must be positive")
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
