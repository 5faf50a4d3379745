package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) exportCmd() *cobra.Command {
	var (
		all  bool
		show bool
	)
	cmd := &cobra.Command{
		Use:   "export [root id]",
		Short: "Write tree snapshots to blob storage",
		Long: `Write JSON snapshots of assembled trees to the configured blob store.
Without a root id (or with --all) every root is exported together with a
manifest. With --show the stored snapshot of the root is printed instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := a.exporter(cmd.Context())
			if err != nil {
				return err
			}
			if show {
				if len(args) != 1 {
					return fmt.Errorf("%w: --show needs a root id", errUsage)
				}
				tree, err := exp.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(tree)
			}
			if all || len(args) == 0 {
				m, err := exp.ExportForest(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(m)
			}
			info, err := exp.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(info)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "export every root and a manifest")
	cmd.Flags().BoolVar(&show, "show", false, "print the stored snapshot instead of exporting")
	return cmd
}
