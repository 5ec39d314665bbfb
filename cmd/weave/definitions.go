package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eleven-am/weave/internal/core"
)

func (c *cli) definitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "Manage workflow definitions",
	}
	cmd.AddCommand(c.applyCmd(), c.listCmd())
	return cmd
}

func (c *cli) applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file.yaml>",
		Short: "Create a new version of every definition in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := core.LoadDefinitionFile(args[0])
			if err != nil {
				return err
			}
			m, err := c.newManager(cmd)
			if err != nil {
				return err
			}

			applied, applyErr := m.Definitions().Apply(cmd.Context(), defs)
			for _, def := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "%s v%d (%s)\n", def.Name, def.Version, def.ID)
			}
			return errors.Join(applyErr, m.Stop(context.WithoutCancel(cmd.Context())))
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every stored definition as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := c.newManager(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = m.Stop(context.WithoutCancel(cmd.Context())) }()

			defs, err := m.Definitions().List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, defs)
		},
	}
}
