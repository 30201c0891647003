// Package ledger is a terminal viewer for one client's order ledger.
package ledger

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"recambio/pkg/orders"
)

// LoadFunc returns the orders to display. It is called on start and on
// every refresh.
type LoadFunc func(ctx context.Context) ([]orders.Order, error)

// ClientInfo is shown in the header.
type ClientInfo struct {
	ID      string
	Contact string
	Name    string
}

func Run(ctx context.Context, load LoadFunc, info ClientInfo) error {
	m := newModel(ctx, load, info)
	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("88")).
		Padding(1, 2)

	return style.Render("🔧 Ledger closed")
}
