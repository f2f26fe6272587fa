package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/loops/internal/config"
	"github.com/marcus/loops/internal/output"
	"github.com/marcus/loops/internal/serverdb"
)

var (
	version    string
	configPath string
	dbOverride string
	jsonOutput bool
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "loops",
	Short: "Habit tracker sync server",
	Long: `loops - sync server for an offline-first habit tracker.

Clients push task and completion changes and pull what changed since their
last sync; the server keeps each user's streak and daily completion stats.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			output.JSONError(output.ErrCodeInvalidInput, err.Error())
		} else {
			output.Error("%v", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./loops.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "database path (overrides db_path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "admin", Title: "Admin Commands:"},
		&cobra.Group{ID: "insights", Title: "Insight Commands:"},
	)
}

// loadConfig loads the configuration honoring --config and --db.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dbOverride != "" {
		cfg.DBPath = dbOverride
	}
	return cfg, nil
}

// openStore opens the configured server database.
func openStore() (*serverdb.ServerDB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := serverdb.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

// lookupUser resolves a user by email, failing when absent.
func lookupUser(store *serverdb.ServerDB, email string) (*serverdb.User, error) {
	u, err := store.GetUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %s", serverdb.ErrUserNotFound, email)
	}
	return u, nil
}
