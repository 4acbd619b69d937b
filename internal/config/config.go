// Package config provides functionality for managing configuration options
// for the agent using command-line flags and environment variables.
package config

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"
)

// Options holds the configuration values for the agent.
type Options struct {
	// ListenAddr defines the local API listening address (ip:port).
	ListenAddr string

	// DatabaseDSN selects the durable store: a SQLite file path for
	// on-device deployments or a postgres:// URL for hosted relays.
	DatabaseDSN string

	// AcceptorURL is the base URL of the remote acceptor service.
	AcceptorURL string

	// SyncInterval is the periodic drain interval.
	SyncInterval time.Duration

	// LogLevel sets the zap logging level.
	LogLevel string

	// Config is the path to the optional JSON config file.
	Config string
}

// options holds the current configuration values.
var options = &Options{}

// init initializes command-line flags and sets default values.
func init() {
	flag.StringVar(&options.ListenAddr, "a", "localhost:8090", "run local API on ip:port")
	flag.StringVar(&options.DatabaseDSN, "d", "beacon.db", "durable store DSN (sqlite path or postgres URL)")
	flag.StringVar(&options.AcceptorURL, "r", "http://localhost:3001", "remote acceptor base URL")
	flag.DurationVar(&options.SyncInterval, "i", 30*time.Second, "periodic sync interval")
	flag.StringVar(&options.LogLevel, "l", "info", "log level")
	flag.StringVar(&options.Config, "config", "", "path to config file")
	flag.StringVar(&options.Config, "c", "", "path to config file (shorthand)")
}

// Parse parses the command-line flags and environment variables to set
// configuration values. It returns a pointer to the Options struct
// containing the parsed configuration values.
func Parse() *Options {
	flag.Parse()

	// Override flags with environment variables if set
	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if _, err := os.Stat(options.Config); err == nil {
			data, err := os.ReadFile(options.Config)
			if err != nil {
				log.Fatalf("error while reading config file: %v", err)
			}
			if err := json.Unmarshal(data, options); err != nil {
				log.Fatalf("error while parsing config file: %v", err)
			}
		}
	}

	if addr := os.Getenv("LISTEN_ADDRESS"); addr != "" {
		options.ListenAddr = addr
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		options.DatabaseDSN = dsn
	}
	if acceptor := os.Getenv("ACCEPTOR_URL"); acceptor != "" {
		options.AcceptorURL = acceptor
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		options.LogLevel = level
	}

	return options
}
