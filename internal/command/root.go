package command

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdflags "feos/internal/command/flags"
	"feos/internal/command/run"
	"feos/internal/config"
	"feos/pkg/log"
)

// NewRootCommand builds the feosd cobra command tree.
func NewRootCommand() (*cobra.Command, error) {
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:   "feosd",
		Short: "FeOS - compute-node agent",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmdflags.BindCommandToViper(cmd)

			logger, err := log.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("configuring logging: %w", err)
			}

			cmd.SetContext(log.WithLogger(cmd.Context(), logger))

			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&cfg.Logging.Level, "log-level", "info", "Minimum level to log.")
	cmd.PersistentFlags().StringVar(&cfg.Logging.Format, "log-format", "text", "Log output format: text or json.")

	if err := addRootSubCommands(cmd, cfg); err != nil {
		return nil, fmt.Errorf("adding subcommands: %w", err)
	}

	cobra.OnInitialize(initCobra)

	return cmd, nil
}

func initCobra() {
	viper.SetEnvPrefix("FEOS")
	viper.AutomaticEnv()
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath("/etc/feos/")
	viper.AddConfigPath("$HOME/.config/feos/")

	_ = viper.ReadInConfig()
}

func addRootSubCommands(cmd *cobra.Command, cfg *config.Config) error {
	runCmd, err := run.NewCommand(cfg)
	if err != nil {
		return fmt.Errorf("creating run cobra command: %w", err)
	}

	cmd.AddCommand(runCmd)

	return nil
}
