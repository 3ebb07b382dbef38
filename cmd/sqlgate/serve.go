package sqlgate

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgeflare/sqlgate/pkg/rest"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(o *options) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Start the REST gateway",
		Long:    `Starts the gateway. Routes are rebuilt whenever the configuration file changes or a reload notification arrives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, o, listenAddr)
		},
	}
	cmd.Flags().StringVarP(&listenAddr, "listen-addr", "l", "", "listen address, overrides server.listenAddr")
	return cmd
}

func serve(ctx context.Context, o *options, listenAddr string) error {
	tree, err := o.tree()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		tree.Viper().Set("server.listenAddr", listenAddr)
		if err := tree.Reload(); err != nil {
			return err
		}
	}

	srv, err := rest.NewServer(ctx, tree, rest.WithLogger(o.logger))
	if err != nil {
		return err
	}
	cfg := tree.Current()
	o.logger.Info("sqlgate starting",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.Int("routes", srv.Routes().Len()),
		zap.Bool("tls", cfg.Server.TLS.Enabled))

	if err := srv.Run(ctx); err != nil {
		return err
	}
	o.logger.Info("sqlgate stopped")
	return nil
}
