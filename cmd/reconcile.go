package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"recambio/pkg/orders"
	"recambio/pkg/reconcile"
)

var reconcileClient string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-run order reconciliation for one client",
	Long:  "Reads the client's full conversation, extracts the current purchase orders and merges them into the ledger.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, err := openApp("cmd.reconcile")
		if err != nil {
			fmt.Println(err)
			return
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := lookupClient(ctx, a.store, a.cfg.Vendor.OwnerID, reconcileClient)
		if err != nil {
			fmt.Printf("failed to find client: %v\n", err)
			return
		}

		opts := reconcile.OptionsFromConfig(a.cfg)
		opts.Metrics = a.metrics
		opts.Logger = a.log
		engine := reconcile.New(a.store, a.store, a.extractor, opts)

		result, err := engine.ReconcileClient(ctx, client.ID)
		if err != nil {
			fmt.Printf("reconcile failed (%s): %v\n", orders.CategoryFromError(err), err)
			return
		}

		fmt.Println(reconcileSummary(result))
		if len(result.Orders) > 0 {
			fmt.Println(ordersTable(result.Orders))
		}
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().StringVarP(&reconcileClient, "client", "c", "", "client id or contact (channel:sender)")
}

func reconcileSummary(result reconcile.Result) string {
	return fmt.Sprintf("created %d · updated %d · unchanged %d · skipped %d · attempts %d",
		len(result.Created),
		len(result.Updated),
		len(result.Unchanged),
		result.Skipped,
		result.Attempts,
	)
}
