package main

import (
	"fmt"

	"bitbucket.org/mmdatafocus/fiscal_backend/appctx"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/store"
	"github.com/spf13/cobra"
)

func certificatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certificates",
		Short: "Issuer certificate tasks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run the expiry check once and publish certificate.expiring events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, cleanup, err := connect(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := app.Certificates.RunOnce(ctx)
			app.Drain()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d certificate.expiring events published\n", n)
			return nil
		},
	})
	return cmd
}

func gatewayCmd() *cobra.Command {
	var (
		tenantId string
		issuerId string
		kind     string
	)
	status := &cobra.Command{
		Use:   "status",
		Short: "Query the authority's service status for an issuer",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := models.ParseDocumentKind(kind)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, cleanup, err := connect(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			st, err := app.Controller.CheckStatus(appctx.WithTenant(ctx, tenantId), models.Scope{TenantId: tenantId, IssuerId: issuerId}, k)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	status.Flags().StringVar(&tenantId, "tenant", "", "tenant id")
	status.Flags().StringVar(&issuerId, "issuer", "", "issuer id")
	status.Flags().StringVar(&kind, "kind", string(models.DocumentKindGoodsInvoice), "document kind (NFE, NFCE, MDFE, NFSE)")
	_ = status.MarkFlagRequired("tenant")
	_ = status.MarkFlagRequired("issuer")

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Authorization gateway tasks",
	}
	cmd.AddCommand(status)
	return cmd
}

func countersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counters",
		Short: "Document numbering counters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resync",
		Short: "Raise Redis counters to the highest persisted document numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, cleanup, err := connect(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if app.RedisCounter == nil {
				return fmt.Errorf("redis sequencer is not enabled or redis is unreachable")
			}
			n, err := store.ResyncCounters(appctx.WithoutTenantScope(ctx), app.Store, app.RedisCounter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d numbering streams checked\n", n)
			return nil
		},
	})
	return cmd
}
