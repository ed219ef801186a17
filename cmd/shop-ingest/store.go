package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStoreCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and maintain the idempotency store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count records by state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	})

	var maxAge time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove failed records older than --max-age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxAge <= 0 {
				return fmt.Errorf("--max-age must be positive")
			}
			a, err := newApp(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.store.Cleanup(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
		},
	}
	cleanup.Flags().DurationVar(&maxAge, "max-age", 30*24*time.Hour, "minimum age of removed records")
	cmd.AddCommand(cleanup)

	cmd.AddCommand(&cobra.Command{
		Use:   "collisions",
		Short: "List fingerprints shared by more than one order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			collisions, err := a.store.DetectCollisions(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), collisions)
		},
	})

	return cmd
}
