package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"recambio/pkg/orders"
	"recambio/pkg/store"
)

const cliChannelName = "cli"

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List the vendor's clients",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, err := openApp("cmd.clients")
		if err != nil {
			fmt.Println(err)
			return
		}
		defer a.Close()

		clients, err := a.store.ListClients(cmd.Context(), a.cfg.Vendor.OwnerID)
		if err != nil {
			a.log.Error("Failed to list clients", "error", err)
			return
		}
		if len(clients) == 0 {
			fmt.Println("no clients yet")
			return
		}

		fmt.Println(clientsTable(clients))
	},
}

func init() {
	rootCmd.AddCommand(clientsCmd)
}

func clientsTable(clients []orders.Client) string {
	rows := lo.Map(clients, func(c orders.Client, _ int) []string {
		return []string{c.ID, c.Contact, c.Name, c.CreatedAt.Format(time.DateTime)}
	})

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "CONTACT", "NAME", "SINCE").
		Rows(rows...).
		String()
}

// contactFromFlag maps a --client value to a contact. Values already in
// channel:sender form are kept; anything else is a cli sender.
func contactFromFlag(value string) string {
	value = strings.TrimSpace(value)
	if strings.Contains(value, ":") {
		return value
	}
	return cliChannelName + ":" + value
}

// splitContact is the inverse of contactFromFlag.
func splitContact(contact string) (string, string) {
	channelName, sender, found := strings.Cut(contact, ":")
	if !found {
		return cliChannelName, contact
	}
	return channelName, sender
}

// lookupClient finds an existing client by id or by contact without
// creating one.
func lookupClient(ctx context.Context, directory store.ClientDirectory, ownerID string, value string) (orders.Client, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return orders.Client{}, errors.New("--client is required")
	}

	client, err := directory.GetClient(ctx, value)
	if err == nil && client.OwnerID == ownerID {
		return client, nil
	}
	if err != nil && !errors.Is(err, store.ErrClientNotFound) {
		return orders.Client{}, err
	}

	clients, err := directory.ListClients(ctx, ownerID)
	if err != nil {
		return orders.Client{}, err
	}

	contact := contactFromFlag(value)
	client, found := lo.Find(clients, func(c orders.Client) bool {
		return c.Contact == contact
	})
	if !found {
		return orders.Client{}, fmt.Errorf("%w %q", errUnknownClient, value)
	}
	return client, nil
}
