package main

import (
	"database/sql"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"

	"localchat/internal/config"
	"localchat/internal/storage"
)

var (
	logLevel   = "info"
	configPath string
	dbType     string
)

var rootCmd = &cobra.Command{
	Use:   "localchat",
	Short: "Chat with models served by a local OpenAI-compatible server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			log.WithError(err).Fatal("cannot parse log-level")
		}
		log.SetLevel(level)
		log.Debug("debug logging enabled")
	},
}

func main() {
	// a missing .env file is fine
	_ = gotenv.Load()

	formatter := new(log.TextFormatter)
	formatter.TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
	formatter.FullTimestamp = true
	log.SetFormatter(formatter)

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
	)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level (trace,debug,info,warn,error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LOCALCHAT_CONFIG"),
		"Path to the JSON config file (default config.json)")
	rootCmd.PersistentFlags().StringVar(&dbType, "db", envOr("LOCALCHAT_DB", "sqlite3"),
		"Database driver to use (sqlite3 or mysql)")

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("could not execute root command")
	}
}

// openDatabase loads the config and returns a migrated database.
func openDatabase() (*config.Config, *sql.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("driver", dbType).Info("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, nil, err
	}
	return cfg, db, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
