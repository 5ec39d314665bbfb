package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eleven-am/weave/internal/core"
	"github.com/eleven-am/weave/internal/domain"
)

type runResult struct {
	Run   *domain.WorkflowExecution `json:"run"`
	Tasks []*domain.TaskExecution   `json:"tasks,omitempty"`
}

func (c *cli) runCmd() *cobra.Command {
	var (
		file      string
		version   int
		variables map[string]string
		timeout   time.Duration
		detach    bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow-name>",
		Short: "Start a workflow run and wait for it to settle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := c.newManager(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = m.Stop(context.WithoutCancel(ctx)) }()

			if err := m.Start(ctx); err != nil {
				return err
			}

			if file != "" {
				defs, err := core.LoadDefinitionFile(file)
				if err != nil {
					return err
				}
				if _, err := m.Definitions().Apply(ctx, defs); err != nil {
					return err
				}
			}

			run, err := m.Executions().Start(ctx, args[0], version, variables)
			if err != nil {
				return err
			}
			if detach {
				return printJSON(cmd, runResult{Run: run})
			}

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			idle := m.WaitIdle(waitCtx, 50*time.Millisecond)

			result := runResult{}
			if result.Run, err = m.Executions().Get(ctx, run.ID); err != nil {
				return err
			}
			if result.Tasks, err = m.Executions().Tasks(ctx, run.ID); err != nil {
				return err
			}
			if err := printJSON(cmd, result); err != nil {
				return err
			}

			switch {
			case !idle:
				return fmt.Errorf("run %s still %s after %s: %w", run.ID, result.Run.Status, timeout, domain.ErrTimeout)
			case result.Run.Status == domain.WorkflowStatusFailed:
				return fmt.Errorf("run %s failed: %s", run.ID, result.Run.ErrorMessage)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "definitions YAML to apply before starting")
	flags.IntVar(&version, "version", 0, "definition version, latest when zero")
	flags.StringToStringVar(&variables, "var", nil, "initial run variable as key=value, repeatable")
	flags.DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the run to settle")
	flags.BoolVar(&detach, "detach", false, "return as soon as the run is created")
	return cmd
}
