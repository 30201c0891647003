package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"recambio/pkg/orders"
	"recambio/pkg/ui/ledger"
)

var (
	ordersClient string
	ordersPlate  string
	ordersTUI    bool
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Show a client's order ledger",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, err := openApp("cmd.orders")
		if err != nil {
			fmt.Println(err)
			return
		}
		defer a.Close()

		ctx := cmd.Context()
		client, err := lookupClient(ctx, a.store, a.cfg.Vendor.OwnerID, ordersClient)
		if err != nil {
			fmt.Printf("failed to find client: %v\n", err)
			return
		}

		load := func(ctx context.Context) ([]orders.Order, error) {
			if strings.TrimSpace(ordersPlate) != "" {
				return a.store.ListByPlate(ctx, client.ID, ordersPlate)
			}
			return a.store.List(ctx, client.ID)
		}

		if ordersTUI {
			info := ledger.ClientInfo{ID: client.ID, Contact: client.Contact, Name: client.Name}
			if err := ledger.Run(ctx, load, info); err != nil {
				fmt.Printf("ledger viewer failed: %v\n", err)
			}
			return
		}

		list, err := load(ctx)
		if err != nil {
			a.log.Error("Failed to list orders", "client_id", client.ID, "error", err)
			return
		}
		if len(list) == 0 {
			fmt.Println("no orders")
			return
		}

		fmt.Println(ordersTable(list))
	},
}

func init() {
	rootCmd.AddCommand(ordersCmd)
	ordersCmd.Flags().StringVarP(&ordersClient, "client", "c", "", "client id or contact (channel:sender)")
	ordersCmd.Flags().StringVarP(&ordersPlate, "plate", "p", "", "only the order for this plate")
	ordersCmd.Flags().BoolVar(&ordersTUI, "tui", false, "browse the ledger interactively")
}

func ordersTable(list []orders.Order) string {
	rows := lo.Map(list, func(o orders.Order, _ int) []string {
		return []string{
			o.VehiclePlate,
			strings.TrimSpace(o.VehicleBrand + " " + o.VehicleModel),
			string(o.Status),
			strings.Join(o.Requirements, "; "),
			o.UpdatedAt.Format(time.DateTime),
		}
	})

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PLATE", "VEHICLE", "STATUS", "REQUIREMENTS", "UPDATED").
		Rows(rows...).
		String()
}
