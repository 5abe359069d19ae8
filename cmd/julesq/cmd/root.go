package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ole-vi/prompt-sharing-sub002/internal/config"
	"github.com/ole-vi/prompt-sharing-sub002/internal/logger"
)

// cli holds state shared by every subcommand of one invocation
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
}

// NewRootCmd builds the julesq command tree
func NewRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:   "julesq",
		Short: "julesq activates scheduled Jules prompts",
		Long: `julesq is the worker behind the prompt queue. Users queue single prompts or
batches of subtasks, pick a date and time, and julesq starts a Jules coding
session for each item once it falls due.

Common workflows:

  Run the API and the scheduler together:
    julesq serve --addr :8080

  Run only the scheduler:
    julesq daemon

  Store a user's Jules API key:
    echo "$JULES_KEY" | julesq key set --user alice

  Queue and schedule a prompt:
    julesq queue add --user alice "Fix the flaky login test"
    julesq queue schedule --user alice --date 2026-11-01 --time 09:00 <id>

  Activate everything that is due right now:
    julesq tick

Configuration:
  Settings come from flags, JULESQ_* environment variables, or a YAML file
  (default $HOME/.julesq/config.yaml). For example:
    JULESQ_DATA_DIR         Database directory (default: ~/.julesq)
    JULESQ_TICK_SCHEDULE    Scheduler period (default: @every 1m)
    JULESQ_DISCORD_WEBHOOK  Discord webhook for failed items`,
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.julesq/config.yaml)")

	root.PersistentFlags().String("data-dir", "", "directory holding the julesq database")
	_ = c.v.BindPFlag("data_dir", root.PersistentFlags().Lookup("data-dir"))

	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = c.v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		c.serveCmd(),
		c.daemonCmd(),
		c.tickCmd(),
		c.keyCmd(),
		c.queueCmd(),
		c.upgradeCmd(),
		versionCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

func (c *cli) load(cmd *cobra.Command, _ []string) error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			c.v.AddConfigPath(filepath.Join(home, ".julesq"))
		}
		c.v.SetConfigName("config")
		c.v.SetConfigType("yaml")
	}

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	c.log.Debug("configuration loaded", "config_file", c.v.ConfigFileUsed(), "data_dir", cfg.DataDir)
	return nil
}
