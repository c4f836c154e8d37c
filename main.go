package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hbomb79/Hearth/internal"
	"github.com/hbomb79/Hearth/pkg/logger"
)

var log = logger.Get("Main")

// main is the entry point to the program. The users Hearth
// configuration is loaded (from the path provided, or the
// conventional location in their home directory), and the server is
// run until interrupted.
func main() {
	configPath := flag.String("config", "", "path to the Hearth configuration file")
	flag.Parse()

	config := internal.HearthConfig{}
	if err := loadConfig(&config, *configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Hearth stopped with error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Hearth stopped\n")
}

// loadConfig reads the config file at the path provided, falling back
// to the default path, and finally to a pure environment-variable
// config if no file exists at all.
func loadConfig(config *internal.HearthConfig, path string) error {
	if path != "" {
		return config.LoadFromFile(path)
	}

	defaultPath, err := internal.DefaultConfigPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(defaultPath); errors.Is(err, os.ErrNotExist) {
		return config.LoadFromEnv()
	}

	return config.LoadFromFile(defaultPath)
}
