// Package cmd implements the smelter command line interface.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/smelterhq/smelter/internal/baremetal"
	"github.com/smelterhq/smelter/internal/config"
	"github.com/smelterhq/smelter/internal/events"
	"github.com/smelterhq/smelter/internal/metrics"
	"github.com/smelterhq/smelter/internal/provisioner"
	"github.com/smelterhq/smelter/internal/shared/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "smelter",
	Short: "Deploy and manage instances on bare metal nodes",
	Long: `Smelter reserves bare metal nodes, wires up their networking and
deploys operating system images onto them, using the OpenStack bare
metal, networking and image services.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErrln(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().Bool("dry-run", false, "log intended actions without touching the cloud")
}

// loadConfig loads configuration and builds the logger, applying any
// log overrides from the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadWithPath(cfgFile)
	} else {
		cfg, err = config.NewLoader().Load()
	}
	if err != nil {
		return nil, nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}

	log := logger.New(logger.LoggerConfig{
		Level:     logger.LogLevel(cfg.Log.Level),
		Format:    logger.OutputFormat(cfg.Log.Format),
		Component: "smelter",
	})
	return cfg, log, nil
}

// newProvisioner authenticates against the configured cloud and builds
// a fully wired Provisioner.
func newProvisioner(ctx context.Context, cmd *cobra.Command, cfg *config.Config, log *logger.Logger) (*provisioner.Provisioner, error) {
	client, err := baremetal.NewOpenStackClient(ctx, baremetal.OpenStackConfig{
		AuthURL:           cfg.OpenStack.AuthURL,
		Region:            cfg.OpenStack.Region,
		Username:          cfg.OpenStack.Username,
		Password:          cfg.OpenStack.Password,
		ProjectName:       cfg.OpenStack.ProjectName,
		UserDomainName:    cfg.OpenStack.UserDomainName,
		ProjectDomainName: cfg.OpenStack.ProjectDomainName,
		PollInterval:      cfg.OpenStack.PollInterval,
	})
	if err != nil {
		return nil, err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	return provisioner.New(client, log, provisioner.Options{
		Events:  events.NewBus(log),
		Metrics: metrics.New(prometheus.NewRegistry()),
		DryRun:  dryRun,
	}), nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fmtErrln(err error) {
	os.Stderr.WriteString("Error: " + err.Error() + "\n")
}
