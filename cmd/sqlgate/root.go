package sqlgate

import (
	"fmt"
	"os"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/edgeflare/sqlgate/pkg/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// options are the persistent flags shared by every command.
type options struct {
	cfgFile  string
	logLevel string
	logger   *zap.Logger
}

func (o *options) tree() (*config.Tree, error) {
	return config.Open(o.cfgFile, o.logger)
}

// NewRootCommand builds the sqlgate command tree.
func NewRootCommand() *cobra.Command {
	o := &options{logger: zap.NewNop()}

	cmd := &cobra.Command{
		Use:   "sqlgate",
		Short: "sqlgate serves SQL queries as REST endpoints",
		Long: `sqlgate turns configured SQL queries and upstream URLs into REST endpoints.
Routes are reloaded from configuration without a restart.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(o.logLevel)
			if err != nil {
				return err
			}
			o.logger = l
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Fprintln(cmd.OutOrStdout(), config.Version)
				return
			}
			_ = cmd.Help()
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&o.cfgFile, "config", util.EnvOr("SQLGATE_CONFIG", ""), "config file (default is $SQLGATE_CONFIG, $HOME/.config/sqlgate.yaml or ./sqlgate.yaml)")
	f.StringVarP(&o.logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	cmd.Flags().BoolP("version", "v", false, "Print the version number")

	cmd.AddCommand(
		newServeCommand(o),
		newRoutesCommand(o),
		newResolveCommand(o),
		newEncryptCommand(),
		newDecryptCommand(),
		newReloadCommand(o),
	)
	return cmd
}

// Main runs the CLI and exits non-zero on failure.
func Main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
