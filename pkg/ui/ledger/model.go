package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"recambio/pkg/orders"
)

const wheelStep = 3

type loadedMsg struct {
	orders []orders.Order
	err    error
	at     time.Time
}

type model struct {
	ctx  context.Context
	load LoadFunc
	info ClientInfo

	theme     theme
	spinner   spinner.Model
	detail    viewport.Model
	orders    []orders.Order
	cursor    int
	width     int
	height    int
	isLoading bool
	lastErr   string
	loadedAt  time.Time
}

func newModel(ctx context.Context, load LoadFunc, info ClientInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	return &model{
		ctx:     ctx,
		load:    load,
		info:    info,
		theme:   defaultTheme(),
		spinner: spin,
		detail:  viewport.New(60, 12),
		width:   100,
		height:  28,
	}
}

func (m *model) Init() tea.Cmd {
	m.isLoading = true
	return tea.Batch(m.spinner.Tick, loadCmd(m.ctx, m.load))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshDetail()
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "up", "k":
			m.moveCursor(-1)
			return m, nil
		case "down", "j":
			m.moveCursor(1)
			return m, nil
		case "r":
			if m.isLoading {
				return m, nil
			}
			m.isLoading = true
			return m, tea.Batch(m.spinner.Tick, loadCmd(m.ctx, m.load))
		}
		m.handleViewportKey(typed)
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case loadedMsg:
		m.applyLoaded(typed)
		return m, nil
	}

	return m, nil
}

// applyLoaded swaps in a fresh ledger, keeping the selection on the same
// plate when it still exists.
func (m *model) applyLoaded(msg loadedMsg) {
	m.isLoading = false
	if msg.err != nil {
		m.lastErr = msg.err.Error()
		return
	}

	selected := ""
	if m.cursor < len(m.orders) {
		selected = m.orders[m.cursor].VehiclePlate
	}

	m.lastErr = ""
	m.orders = msg.orders
	m.loadedAt = msg.at
	_, index, found := lo.FindIndexOf(m.orders, func(o orders.Order) bool {
		return o.VehiclePlate == selected
	})
	m.cursor = lo.Ternary(found, index, 0)
	m.refreshDetail()
}

func (m *model) moveCursor(delta int) {
	if len(m.orders) == 0 {
		return
	}

	next := m.cursor + delta
	if next < 0 || next >= len(m.orders) {
		return
	}
	m.cursor = next
	m.refreshDetail()
}

func (m *model) selected() (orders.Order, bool) {
	if m.cursor < 0 || m.cursor >= len(m.orders) {
		return orders.Order{}, false
	}
	return m.orders[m.cursor], true
}

func (m *model) View() string {
	header := m.theme.header.Width(m.width - 2).Render("🔧 Recambio Ledger")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"client:%s · contact:%s · orders:%d · loaded:%s",
		displayOrNA(m.info.Name),
		displayOrNA(m.info.Contact),
		len(m.orders),
		displayOrNA(formatClock(m.loadedAt)),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.theme.list.Width(m.listWidth()).Height(m.detail.Height).Render(m.renderList()),
		m.theme.detail.Render(m.detail.View()),
	)

	status := m.theme.status.Render("💡 ↑/↓ select  ·  PgUp/PgDn scroll  ·  r refresh  ·  🛑 q/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ loading ledger...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body, status)
}

func (m *model) listWidth() int {
	return max(16, m.width/3)
}

func (m *model) resizeComponents() {
	w := m.width - m.listWidth() - 8
	if w < 30 {
		w = 30
	}
	h := m.height - 8
	if h < 6 {
		h = 6
	}

	m.detail.Width = w
	m.detail.Height = h
}

func (m *model) renderList() string {
	if len(m.orders) == 0 {
		return m.theme.hint.Render(lo.Ternary(m.isLoading, "loading...", "no orders"))
	}

	rows := make([]string, 0, len(m.orders))
	for i, order := range m.orders {
		style := m.theme.row
		if i == m.cursor {
			style = m.theme.rowActive
		}
		rows = append(rows, style.Render(fmt.Sprintf("%s (%d)", order.VehiclePlate, len(order.Requirements))))
	}
	return strings.Join(rows, "\n")
}

func (m *model) refreshDetail() {
	order, ok := m.selected()
	if !ok {
		m.detail.SetContent(m.theme.hint.Render("select an order"))
		return
	}

	m.detail.SetContent(m.renderDetail(order))
	m.detail.GotoTop()
}

func (m *model) renderDetail(order orders.Order) string {
	field := func(label string, value string) string {
		return m.theme.label.Render(label+":") + " " + displayOrNA(value)
	}

	lines := []string{
		field("Plate", order.VehiclePlate),
		field("Brand", order.VehicleBrand),
		field("Model", order.VehicleModel),
		field("Frame", order.VehicleFrame),
		field("Status", string(order.Status)),
		field("Created", formatStamp(order.CreatedAt)),
		field("Updated", formatStamp(order.UpdatedAt)),
		"",
		m.theme.label.Render("Requirements:"),
	}
	if len(order.Requirements) == 0 {
		lines = append(lines, m.theme.hint.Render("  none"))
	}
	for _, requirement := range order.Requirements {
		lines = append(lines, "  • "+requirement)
	}
	if len(order.EvidenceMedia) > 0 {
		lines = append(lines, "", m.theme.label.Render("Evidence:"))
		for _, ref := range order.EvidenceMedia {
			lines = append(lines, "  📎 "+ref)
		}
	}

	return strings.Join(lines, "\n")
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b":
		m.detail.PageUp()
		return true
	case "pgdown", "ctrl+f":
		m.detail.PageDown()
		return true
	case "home":
		m.detail.GotoTop()
		return true
	case "end":
		m.detail.GotoBottom()
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.detail.SetYOffset(m.detail.YOffset - wheelStep)
		return true
	case tea.MouseButtonWheelDown:
		m.detail.SetYOffset(m.detail.YOffset + wheelStep)
		return true
	default:
		return false
	}
}

func loadCmd(ctx context.Context, load LoadFunc) tea.Cmd {
	return func() tea.Msg {
		list, err := load(ctx)
		return loadedMsg{orders: list, err: err, at: time.Now()}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func formatClock(at time.Time) string {
	if at.IsZero() {
		return ""
	}
	return at.Format(time.TimeOnly)
}

func formatStamp(at time.Time) string {
	if at.IsZero() {
		return ""
	}
	return at.Local().Format(time.DateTime)
}
