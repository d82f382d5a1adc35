package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"provisioner/internal/config"
	"provisioner/internal/logging"
	"provisioner/internal/solution"
	"provisioner/internal/util"
)

// Version is the station version checked against requires.station.
var Version = "1.4.0"

var (
	configFile string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:           "provisioner",
		Short:         "Deploy IoT solutions to edge devices",
		Long:          `Plans and runs solution deployments: docker services, firmware flashing, device packages and integrations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMenu(cmd.Context())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default ./provisioner.yaml or $"+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level")
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newMenuCmd())
	rootCmd.Version = Version
}

// Execute runs the CLI. Errors are printed once here.
func Execute() error {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		util.Default.Printf("❌ %v\n", err)
		return err
	}
	return nil
}

// station is the loaded config plus the solution catalog.
type station struct {
	cfg      *config.Config
	catalog  *solution.Catalog
	loadErrs []error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	lvl, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logging.InitFormat(os.Stderr, lvl, logging.Format(cfg.Log.Format), map[string]interface{}{"app": "provisioner"})
	return cfg, nil
}

func loadStation() (*station, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.SolutionsDir); err != nil {
		return nil, fmt.Errorf("solutions directory %s: %w", cfg.SolutionsDir, err)
	}
	cat, errs := solution.LoadAll(cfg.SolutionsDir, cfg.Parallel, solution.WithStationVersion(Version))
	for _, e := range errs {
		logging.Warn("solution skipped", map[string]interface{}{"error": e.Error()})
	}
	return &station{cfg: cfg, catalog: cat, loadErrs: errs}, nil
}

func (s *station) solution(id string) (*solution.Solution, error) {
	sol, ok := s.catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("solution '%s' not found in %s", id, s.cfg.SolutionsDir)
	}
	return sol, nil
}
