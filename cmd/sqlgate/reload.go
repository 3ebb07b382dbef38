package sqlgate

import (
	"errors"
	"fmt"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/spf13/cobra"
)

func newReloadCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask every running instance to reload its routes",
		Long:  `Broadcasts a reload request through every configured notifier (PostgreSQL NOTIFY, NATS).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := o.tree()
			if err != nil {
				return err
			}
			notifiers := config.Notifiers(tree.Current(), o.logger)
			if len(notifiers) == 0 {
				return errors.New("no reload notifier configured")
			}
			var errs []error
			for _, n := range notifiers {
				if err := n.Notify(cmd.Context()); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reload sent via %s\n", n.Name())
			}
			return errors.Join(errs...)
		},
	}
}
