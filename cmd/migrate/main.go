package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/clients/postgres"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/observability"
	"github.com/speakwise/analysis-service/backend/pkg/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: migrate [up|down|version]\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("analysis-migrate", cfg.Server.Env, cfg.Log.Level)

	migrator, err := postgres.NewMigrator(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open migrator")
	}
	defer migrator.Close()

	switch command {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Down()
		if err == nil {
			log.Info().Msg("all migrations rolled back")
		}
	case "version":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = migrator.Version()
		if err == nil {
			log.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema version")
		}
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("migration failed")
	}
}
