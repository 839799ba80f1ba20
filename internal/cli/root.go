package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradewatch/internal/condition"
	"tradewatch/internal/config"
	"tradewatch/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-08-01"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  store.PlanStore
	Parser *condition.Parser
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
		Parser: condition.NewParser(condition.Defaults{
			WickRatio:          cfg.Execution.WickRatio,
			MinValidationScore: cfg.Execution.MinValidationScore,
			VolatilityRequire:  cfg.Execution.VolatilityRequire,
		}),
	}

	planStore, err := store.NewSQLiteStore(store.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize plan store, plan commands unavailable")
	} else {
		app.Store = planStore
		logger.Debug().Str("path", cfg.Database.Path).Msg("Plan store initialized")
	}

	rootCmd := &cobra.Command{
		Use:   "tradewatch",
		Short: "tradewatch - conditional trade plan auto-execution",
		Long: `tradewatch monitors conditional trade plans and executes them when their
market conditions are met.

Plans pair an order (market or pending) with a set of entry conditions.
The monitor evaluates conditions against live market data, executes
matching plans, and tracks pending orders until they fill or lapse.

Use 'tradewatch help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradewatch)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newPlanCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newRunCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("tradewatch v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return output.JSON(app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "conditions",
		Short: "List known condition types",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			known := condition.KnownTypes()
			if output.IsJSON() {
				output.JSON(known)
				return
			}
			for _, name := range known {
				output.Println(name)
			}
		},
	})

	return cmd
}
