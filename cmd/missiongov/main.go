// Command missiongov runs scripted missions under the mission governor and
// inspects their checkpoints.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"missiongov/internal/config"
	"missiongov/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	envFile    string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "missiongov",
	Short: "Autonomous mission execution governor",
	Long: `missiongov supervises long-running, multi-step missions.

Every step runs through a timeout/retry/circuit-breaker wrapper, is checked
against step, cost and runtime tripwires, may pause for human approval, and is
checkpointed so a mission can be resumed after a stop or a crash.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		if err := logging.Initialize(cfg.Logging); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logging.Base()
		logging.Boot("%s %s (config %s)", cfg.Name, cfg.Version, configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

// loadEnvFile loads path into the environment. The default .env may be
// absent; an explicit file may not.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "missiongov.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Env file to load before reading config (default: .env if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(
		runCmd,
		resumeCmd,
		resolveCmd,
		statusCmd,
		checkpointsCmd,
		purgeCmd,
		configCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
