package main

import (
	"fmt"
	"io"
	"os"

	"facegate/config"
	"facegate/internal/logger"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "facegate",
	Short: "Face recognition service backed by a directory of reference images",
	Long: `facegate stores reference images per identity and answers
"who is this?" for query images over HTTP, MQTT or the command line.
Without a subcommand the HTTP server is started.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/config/config.yaml", "Path to the YAML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup lädt die Konfiguration und initialisiert den Logger
func setup() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	closer, err := logger.Init(cfg.Log)
	if err != nil {
		// Logger fällt auf stdout zurück
		log.Errorf("Failed to initialize logger completely: %v", err)
	}
	return cfg, closer, nil
}
