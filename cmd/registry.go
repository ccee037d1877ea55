package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/covey/internal/registry"
)

var (
	regOwner   string
	regPath    string
	regPurpose string
	regDeps    []string
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and update the project component registry",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered components",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tOWNER\tPATH\tPURPOSE")
		for _, c := range reg.List(regOwner) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				c.Name, c.Status, c.Owner, c.Path, c.Purpose)
		}
		return w.Flush()
	},
}

var registryAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a component",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if regPath == "" {
			return fmt.Errorf("%w: --path is required", ErrUsage)
		}
		reg, err := openRegistry()
		if err != nil {
			return err
		}

		c, err := reg.Register(registry.Component{
			Name:         args[0],
			Path:         regPath,
			Purpose:      regPurpose,
			Owner:        regOwner,
			Dependencies: regDeps,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "registered %s at %s\n", c.Name, c.Path)
		return nil
	},
}

var registrySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show registry totals",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}

		s := reg.Summary()
		fmt.Fprintf(os.Stdout, "%s: %d components\n", s.ProjectName, s.ComponentCount)
		for status, n := range s.ByStatus {
			fmt.Fprintf(os.Stdout, "  %s: %d\n", status, n)
		}
		if len(s.ByOwner) > 0 {
			var parts []string
			for owner, n := range s.ByOwner {
				parts = append(parts, fmt.Sprintf("%s=%d", owner, n))
			}
			fmt.Fprintf(os.Stdout, "owners: %s\n", strings.Join(parts, " "))
		}
		return nil
	},
}

func init() {
	registryCmd.PersistentFlags().StringVar(&regOwner, "owner", "", "owning agent id")
	registryAddCmd.Flags().StringVar(&regPath, "path", "", "component file path")
	registryAddCmd.Flags().StringVar(&regPurpose, "purpose", "", "what the component is for")
	registryAddCmd.Flags().StringSliceVar(&regDeps, "depends-on", nil, "component dependencies")

	registryCmd.AddCommand(registryListCmd, registryAddCmd, registrySummaryCmd)
	rootCmd.AddCommand(registryCmd)
}

func openRegistry() (*registry.Registry, error) {
	if err := prepare(); err != nil {
		return nil, err
	}
	return registry.Open(cfg.RegistryPath(), "covey")
}
