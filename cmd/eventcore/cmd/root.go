// Package cmd implements the eventcore command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/config"
	"github.com/terraskye/eventcore/domain/auth"
	"github.com/terraskye/eventcore/domain/journal"
	"github.com/terraskye/eventcore/logging"
	"go.uber.org/zap"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "eventcore",
		Short: "eventcore event bus and event store",
		Long: `eventcore publishes domain events through a pluggable broker, records
them in an event store and fans them out to handlers.

Configuration is read from the file given with --config and from
EVENTCORE_* environment variables, e.g. EVENTCORE_BROKER_TYPE=nats.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file path (optional)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCommand(flags),
		newPublishCommand(flags),
		newReplayCommand(flags),
		newVersionCommand(),
	)
	return root
}

// load reads the configuration and builds the logger it describes.
func (f *globalFlags) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	return cfg, logging.New(cfg.Logging), nil
}

// serializer knows every event type shipped with eventcore.
func serializer() *es.Serializer {
	reg := es.NewTypeRegistry(append(auth.Events(), journal.Events()...)...)
	return es.NewSerializer(reg, es.WithUntypedFallback())
}
