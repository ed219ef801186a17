// Command shop-ingest imports shop orders as invoices. It runs single
// imports and previews from the command line or serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/config"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries state shared by subcommands.
type cli struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "shop-ingest",
		Short:         "Import shop orders as invoices",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (yaml, toml or json)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human-readable log output")

	root.AddCommand(newServeCmd(c))
	root.AddCommand(newImportCmd(c))
	root.AddCommand(newPreviewCmd(c))
	root.AddCommand(newStoreCmd(c))

	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	v, err := config.NewViper(c.configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if err := v.BindPFlag("log.level", flags.Lookup("log-level")); err != nil {
		return err
	}
	if err := v.BindPFlag("log.pretty", flags.Lookup("log-pretty")); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{
		Level:  level,
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	c.cfg = cfg
	return nil
}
