package main

import (
	"fmt"

	"bitbucket.org/mmdatafocus/fiscal_backend/appctx"
	"bitbucket.org/mmdatafocus/fiscal_backend/webhook"
	"github.com/spf13/cobra"
)

func deliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect and replay webhook deliveries",
	}
	cmd.AddCommand(deliveriesListCmd())
	cmd.AddCommand(deliveriesRedeliverCmd())
	return cmd
}

func deliveriesListCmd() *cobra.Command {
	var (
		tenantId string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's deliveries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, cleanup, err := connect(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := app.Ledger.List(appctx.WithTenant(ctx, tenantId), tenantId, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&tenantId, "tenant", "", "tenant id")
	cmd.Flags().IntVarP(&limit, "limit", "n", webhook.DefaultListLimit, "maximum deliveries")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func deliveriesRedeliverCmd() *cobra.Command {
	var tenantId string
	cmd := &cobra.Command{
		Use:   "redeliver [delivery-id]",
		Short: "Restart a finished delivery with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, cleanup, err := connect(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := app.Ledger.Redeliver(appctx.WithTenant(ctx, tenantId), tenantId, args[0])
			if err != nil {
				return fmt.Errorf("redeliver %s: %w", args[0], err)
			}
			// retries after a failed first attempt belong to the server's scheduler
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringVar(&tenantId, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
