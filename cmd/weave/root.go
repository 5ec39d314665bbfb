package main

import (
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/eleven-am/weave/internal/config"
	"github.com/eleven-am/weave/internal/core"
	"github.com/eleven-am/weave/internal/domain"
)

type cli struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "weave",
		Short:         "Durable workflow orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a weave.yaml config file")

	root.AddCommand(
		c.serveCmd(),
		c.definitionsCmd(),
		c.runCmd(),
	)
	return root
}

// loadConfig reads the config and attaches a logger writing to the command's
// stderr.
func (c *cli) loadConfig(cmd *cobra.Command) (*domain.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger
	return cfg, nil
}

func (c *cli) newManager(cmd *cobra.Command) (*core.Manager, error) {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return core.New(cmd.Context(), cfg)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
