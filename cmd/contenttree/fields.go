package main

import (
	"modulacms/pkg/domain"

	"github.com/spf13/cobra"
)

func (a *app) fieldCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "field",
		Short: "Manage field values attached to nodes",
	}
	cmd.AddCommand(a.fieldAddCmd(), a.fieldSetCmd(), a.fieldRmCmd(), a.fieldLsCmd())
	return cmd
}

func (a *app) fieldAddCmd() *cobra.Command {
	var id, author string
	cmd := &cobra.Command{
		Use:   "add <node id> <field id> <value>",
		Short: "Attach a field value to a node",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := a.svc.CreateField(cmd.Context(), domain.FieldValue{
				ID:            id,
				ContentDataID: args[0],
				FieldID:       args[1],
				Value:         args[2],
				AuthorID:      ref(author),
			})
			if err != nil {
				return err
			}
			return a.print(f)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "field value id (generated when empty)")
	cmd.Flags().StringVar(&author, "author", "", "author id")
	return cmd
}

func (a *app) fieldSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <field value id> <value>",
		Short: "Replace a field value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := a.svc.UpdateField(cmd.Context(), args[0], func(f *domain.FieldValue) error {
				f.Value = args[1]
				return nil
			})
			if err != nil {
				return err
			}
			return a.print(f)
		},
	}
}

func (a *app) fieldRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <field value id>",
		Short: "Remove a field value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.svc.DeleteField(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.print(map[string]string{"deleted": args[0]})
		},
	}
}

func (a *app) fieldLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <node id>",
		Short: "List a node's field values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := a.svc.ListFields(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if fields == nil {
				fields = []domain.FieldValue{}
			}
			return a.print(fields)
		},
	}
}
