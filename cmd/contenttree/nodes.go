package main

import (
	"errors"
	"fmt"
	"modulacms/pkg/domain"
	"strings"

	"github.com/spf13/cobra"
)

var errIntegrity = errors.New("integrity violations found")

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the schema for the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := a.cfg.StorageOptions()
			return a.print(map[string]string{
				"driver": string(opts.Driver),
				"forest": a.svc.Forest(),
				"status": "ready",
			})
		},
	}
}

type nodeFlags struct {
	parent   string
	position string
	status   string
	route    string
	datatype string
	author   string
}

func (f *nodeFlags) attrs(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.status, "status", "", "draft|published|archived|pending")
	cmd.Flags().StringVar(&f.route, "route", "", "route id")
	cmd.Flags().StringVar(&f.datatype, "datatype", "", "datatype id")
	cmd.Flags().StringVar(&f.author, "author", "", "author id")
}

func (f *nodeFlags) placement(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.parent, "parent", "", "parent id (empty for the root level)")
	cmd.Flags().StringVar(&f.position, "position", "tail", "head|tail|after:<sibling id>")
}

func (a *app) createCmd() *cobra.Command {
	var f nodeFlags
	var id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Insert a node into a sibling chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pos, err := domain.ParsePosition(f.position)
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			n, _, err := a.svc.CreateNode(cmd.Context(), domain.CreateNodeRequest{
				ID:         id,
				ParentID:   ref(f.parent),
				Position:   pos,
				Status:     domain.Status(f.status),
				RouteID:    ref(f.route),
				DatatypeID: ref(f.datatype),
				AuthorID:   ref(f.author),
			})
			if err != nil {
				return err
			}
			return a.print(n)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id (generated when empty)")
	f.placement(cmd)
	f.attrs(cmd)
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var f nodeFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change non-structural node attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _, err := a.svc.UpdateNode(cmd.Context(), domain.UpdateNodeRequest{
				ID:         args[0],
				Status:     domain.Status(f.status),
				RouteID:    ref(f.route),
				DatatypeID: ref(f.datatype),
				AuthorID:   ref(f.author),
			})
			if err != nil {
				return err
			}
			return a.print(n)
		},
	}
	f.attrs(cmd)
	return cmd
}

func (a *app) moveCmd() *cobra.Command {
	var f nodeFlags
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a node and its subtree under a new parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := domain.ParsePosition(f.position)
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			n, _, err := a.svc.MoveNode(cmd.Context(), args[0], ref(f.parent), pos)
			if err != nil {
				return err
			}
			return a.print(n)
		},
	}
	f.placement(cmd)
	return cmd
}

func (a *app) reorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <parent|-> <id>...",
		Short: "Replace the child order of a parent",
		Long:  "Replace the child order of a parent. Use - as the parent for the root level.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _, err := a.svc.ReorderChildren(cmd.Context(), domain.ReorderRequest{
				ParentID:   ref(args[0]),
				OrderedIDs: splitIDs(args[1:]),
			})
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParseSubtreePolicy(policy)
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			out, _, err := a.svc.DeleteNode(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "reparent|cascade (default from config)")
	return cmd
}

func (a *app) treeCmd() *cobra.Command {
	var (
		depth  int
		format string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "tree [root id]",
		Short: "Deliver an assembled tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all || len(args) == 0 {
				trees, err := a.svc.DeliverForest(cmd.Context(), depth)
				if err != nil {
					return err
				}
				return a.print(trees)
			}
			tree, err := a.svc.DeliverTree(cmd.Context(), domain.DeliveryRequest{RootID: args[0], Format: format, Depth: depth})
			if err != nil {
				return err
			}
			return a.print(tree)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "levels below the root to expand (0 for all)")
	cmd.Flags().StringVar(&format, "format", "raw", "delivery format")
	cmd.Flags().BoolVar(&all, "all", false, "deliver every root of the forest")
	return cmd
}

func (a *app) childrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children [parent]",
		Short: "List children in sibling order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := ""
			if len(args) == 1 {
				parent = args[0]
			}
			kids, err := a.svc.GetChildren(cmd.Context(), ref(parent))
			if err != nil {
				return err
			}
			return a.print(kids)
		},
	}
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify every sibling chain and the forest shape",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vs, err := a.svc.CheckIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			if vs == nil {
				vs = []domain.Violation{}
			}
			if err := a.print(vs); err != nil {
				return err
			}
			if len(vs) > 0 {
				return fmt.Errorf("%w: %d", errIntegrity, len(vs))
			}
			return nil
		},
	}
}

func (a *app) repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair <parent|-> [id...]",
		Short: "Rebuild a corrupt sibling chain",
		Long: `Rebuild the sibling chain of a parent. With ids the chain is rewritten in
that order; without, the reachable prefix is kept and stranded children are
appended oldest first. Use - as the parent for the root level.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _, err := a.svc.RepairChain(cmd.Context(), ref(args[0]), splitIDs(args[1:]))
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
}

// splitIDs accepts ids as separate arguments or comma separated.
func splitIDs(args []string) []string {
	var out []string
	for _, arg := range args {
		for _, id := range strings.Split(arg, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
