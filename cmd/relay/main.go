package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/router-for-me/RelayGate/internal/app"
	"github.com/router-for-me/RelayGate/internal/config"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (defaults to $RELAY_CONFIG, then config.yaml)")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg := config.AppConfig{ConfigPath: *configPath}
	if *migrateOnly {
		if err := app.Migrate(ctx, appCfg); err != nil {
			log.WithError(err).Fatal("migration failed")
		}
		return
	}
	if err := app.RunServer(ctx, appCfg); err != nil {
		log.WithError(err).Fatal("relay exited")
	}
}
