package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"recambio/pkg/orders"
)

func sampleOrders() []orders.Order {
	return []orders.Order{
		{VehiclePlate: "1234ABC", VehicleBrand: "Seat", VehicleModel: "Ibiza", Status: orders.StatusPendingPrice, Requirements: []string{"filtro de aceite", "pastillas de freno"}},
		{VehiclePlate: "9999XYZ", Status: orders.StatusPendingPrice, Requirements: []string{"bujías"}, EvidenceMedia: []string{"ab/cdef.jpg"}},
	}
}

func loadedModel(t *testing.T) *model {
	t.Helper()
	m := newModel(context.Background(), nil, ClientInfo{Name: "Taller Pepe", Contact: "telegram:42"})
	m.Update(loadedMsg{orders: sampleOrders()})
	return m
}

func TestLoadedMsgSelectsFirstOrder(t *testing.T) {
	t.Parallel()

	m := loadedModel(t)
	if m.isLoading {
		t.Fatal("expected loading to stop")
	}
	order, ok := m.selected()
	if !ok || order.VehiclePlate != "1234ABC" {
		t.Fatalf("selected = %+v, %v", order, ok)
	}
	if !strings.Contains(m.detail.View(), "pastillas de freno") {
		t.Fatalf("detail does not show requirements: %q", m.detail.View())
	}
}

func TestCursorStaysWithinOrders(t *testing.T) {
	t.Parallel()

	m := loadedModel(t)
	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	if m.cursor != 0 {
		t.Fatalf("cursor = %d after up at top", m.cursor)
	}

	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	if m.cursor != 1 {
		t.Fatalf("cursor = %d, want 1", m.cursor)
	}
	if !strings.Contains(m.detail.View(), "bujías") {
		t.Fatalf("detail does not follow cursor: %q", m.detail.View())
	}
}

func TestReloadKeepsSelectedPlate(t *testing.T) {
	t.Parallel()

	m := loadedModel(t)
	m.moveCursor(1)

	reordered := sampleOrders()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	reordered = append([]orders.Order{{VehiclePlate: "0000AAA"}}, reordered...)
	m.Update(loadedMsg{orders: reordered})

	order, _ := m.selected()
	if order.VehiclePlate != "9999XYZ" {
		t.Fatalf("selected plate = %s, want 9999XYZ", order.VehiclePlate)
	}
}

func TestLoadErrorKeepsPreviousOrders(t *testing.T) {
	t.Parallel()

	m := loadedModel(t)
	m.isLoading = true
	m.Update(loadedMsg{err: errors.New("store closed")})

	if m.isLoading {
		t.Fatal("expected loading to stop on error")
	}
	if m.lastErr != "store closed" {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
	if len(m.orders) != 2 {
		t.Fatalf("orders = %d, want previous 2", len(m.orders))
	}
	if !strings.Contains(m.View(), "store closed") {
		t.Fatal("expected error in status line")
	}
}

func TestRefreshKeyCallsLoad(t *testing.T) {
	t.Parallel()

	calls := 0
	load := func(context.Context) ([]orders.Order, error) {
		calls++
		return sampleOrders(), nil
	}
	m := newModel(context.Background(), load, ClientInfo{})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd == nil || !m.isLoading {
		t.Fatal("expected refresh to start loading")
	}

	_, again := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if again != nil {
		t.Fatal("expected refresh to be ignored while loading")
	}

	msg := loadCmd(context.Background(), load)()
	m.Update(msg)
	if calls != 1 || len(m.orders) != 2 {
		t.Fatalf("calls = %d orders = %d", calls, len(m.orders))
	}
}

func TestQuitKeys(t *testing.T) {
	t.Parallel()

	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyEsc},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyRunes, Runes: []rune("q")},
	} {
		m := newModel(context.Background(), nil, ClientInfo{})
		_, cmd := m.Update(key)
		if cmd == nil {
			t.Fatalf("expected quit command for %q", key.String())
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("expected QuitMsg for %q", key.String())
		}
	}
}

func TestHandleViewportMouseScrollsDetail(t *testing.T) {
	t.Parallel()

	m := newModel(context.Background(), nil, ClientInfo{})
	m.detail.Width = 40
	m.detail.Height = 5
	m.detail.SetContent(strings.Repeat("line\n", 40))

	if !m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelDown}) {
		t.Fatal("expected wheel-down to be handled")
	}
	if m.detail.YOffset != wheelStep {
		t.Fatalf("YOffset = %d, want %d", m.detail.YOffset, wheelStep)
	}

	m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelUp})
	if m.detail.YOffset != 0 {
		t.Fatalf("YOffset = %d, want 0", m.detail.YOffset)
	}

	if m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonLeft}) {
		t.Fatal("expected non-wheel event to be ignored")
	}
}

func TestViewShowsClientAndEmptyLedger(t *testing.T) {
	t.Parallel()

	m := newModel(context.Background(), nil, ClientInfo{Name: "Taller Pepe", Contact: "telegram:42"})
	m.Update(loadedMsg{})

	view := m.View()
	for _, want := range []string{"Taller Pepe", "telegram:42", "no orders"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q", want)
		}
	}
}
