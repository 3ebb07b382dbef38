package sqlgate

import (
	"encoding/json"
	"fmt"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/edgeflare/sqlgate/pkg/route"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// routeView is how a route is printed.
type routeView struct {
	Name       string            `yaml:"name"`
	Path       string            `yaml:"path"`
	Kind       string            `yaml:"kind"`
	Verbs      []string          `yaml:"verbs"`
	Connection string            `yaml:"connection,omitempty"`
	Shape      string            `yaml:"shape,omitempty"`
	Upstream   string            `yaml:"upstream,omitempty"`
	Mandatory  []string          `yaml:"mandatory,omitempty"`
	Params     map[string]string `yaml:"params,omitempty"`
}

func viewOf(e *route.Endpoint) routeView {
	v := routeView{
		Name:  e.Name,
		Path:  "/" + e.Path,
		Kind:  e.Kind().String(),
		Verbs: e.Methods(),
	}
	if e.Query != nil {
		v.Connection = e.Query.Connection
		v.Shape = e.Query.Shape.String()
		v.Mandatory = e.Query.Mandatory
	} else {
		v.Upstream = e.Proxy.URL
	}
	return v
}

func newRoutesCommand(o *options) *cobra.Command {
	var openapi bool

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the route table built from configuration",
		Long:  `Builds the route table the server would serve and prints it as YAML. Routes that fail validation are reported on stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := o.tree()
			if err != nil {
				return err
			}
			table, problems := route.Build(tree.Current())
			for _, p := range problems {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", p)
			}

			if openapi {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(table.OpenAPI("sqlgate", config.Version))
			}

			views := make([]routeView, 0, table.Len())
			for _, e := range table.Endpoints() {
				views = append(views, viewOf(e))
			}
			return writeYAML(cmd, views)
		},
	}
	cmd.Flags().BoolVar(&openapi, "openapi", false, "print the OpenAPI document instead")
	return cmd
}

func newResolveCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve METHOD PATH",
		Short: "Show which route a request would be dispatched to",
		Example: `  sqlgate resolve GET /users/42
  sqlgate resolve OPTIONS /orders`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := o.tree()
			if err != nil {
				return err
			}
			table, _ := route.Build(tree.Current())
			e, params, ok := table.Resolve(args[1], args[0])
			if !ok {
				return fmt.Errorf("no route for %s %s", args[0], args[1])
			}
			v := viewOf(e)
			if len(params) > 0 {
				v.Params = params
			}
			return writeYAML(cmd, v)
		},
	}
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
