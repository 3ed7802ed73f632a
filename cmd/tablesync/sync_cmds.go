package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push pending local changes to the remote service",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			before, err := r.engine.PendingOperations(r.ctx)
			if err != nil {
				return err
			}
			if err := r.engine.Push(r.ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d pending operation(s)\n", before)
			return nil
		},
	}
}

func pullCmd() *cobra.Command {
	var queryID string
	var filters []string

	cmd := &cobra.Command{
		Use:   "pull <table>",
		Short: "Pull server-side changes for a table into the local database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			q, err := parseQuery(args[0], queryID, filters)
			if err != nil {
				return err
			}
			if err := r.engine.Pull(r.ctx, q); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pulled %q\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&queryID, "query-id", "", "Identity for incremental pulls; omit for a full pull")
	cmd.Flags().StringSliceVar(&filters, "filter", nil, "key=value equality filter, repeatable")
	return cmd
}

func purgeCmd() *cobra.Command {
	var queryID string
	var filters []string
	var force bool

	cmd := &cobra.Command{
		Use:   "purge <table>",
		Short: "Delete local rows plus queue and ledger state for a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			q, err := parseQuery(args[0], queryID, filters)
			if err != nil {
				return err
			}
			if err := r.engine.Purge(r.ctx, q, force); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "purged %q\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&queryID, "query-id", "", "Ledger identity to drop with the table data")
	cmd.Flags().StringSliceVar(&filters, "filter", nil, "key=value equality filter, repeatable")
	cmd.Flags().BoolVar(&force, "force", false, "Purge even when pending operations exist, dropping them")
	return cmd
}

func statusCmd() *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the number of pending local operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			var pending int
			if table != "" {
				pending, err = r.engine.PendingFor(r.ctx, table)
			} else {
				pending, err = r.engine.PendingOperations(r.ctx)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d pending operation(s)\n", pending)
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "Limit the count to one table")
	return cmd
}
