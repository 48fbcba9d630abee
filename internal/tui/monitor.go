// Package tui implements the terminal monitor: a live view of workbench
// activity fed by the API's server-sent event stream.
package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusActive = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusIdle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// --- Types ---

// benchActivity is what the monitor knows about one workbench, assembled
// entirely from the event stream.
type benchActivity struct {
	ID        string
	HasDraft  bool
	Stage     string
	LastEvent string
	LastSeen  time.Time
}

// streamEvent mirrors the SSE payload emitted by the API server.
type streamEvent struct {
	Type        string
	WorkbenchID string          `json:"workbench_id"`
	At          time.Time       `json:"at"`
	Payload     json.RawMessage `json:"payload"`
}

type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	benches   map[string]*benchActivity
	order     []string
	eventLog  []streamEvent
	hubEvents chan streamEvent

	health struct {
		Status        string
		UptimeSeconds int64
		Workbenches   int
	}

	benchTable table.Model
	mu         sync.Mutex
}

type eventMsg streamEvent
type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workbenches   int    `json:"workbenches"`
}
type errMsg error

// --- Init ---

func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Workbench", Width: 12},
			{Title: "Draft", Width: 5},
			{Title: "Stage", Width: 22},
			{Title: "Last Event", Width: 20},
			{Title: "When", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:     apiURL,
		apiKey:     apiKey,
		benches:    make(map[string]*benchActivity),
		eventLog:   make([]streamEvent, 0),
		hubEvents:  make(chan streamEvent, 100),
		benchTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.pollHealth(),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.benchTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(streamEvent(msg))
		m.updateTable()
		return m, m.receiveNextEvent()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Workbenches = msg.Workbenches
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return m.fetchHealth()
		})

	case errMsg:
		// Keep rendering; the header shows DEGRADED until health recovers.
	}

	m.benchTable, cmd = m.benchTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e streamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventLog = append([]streamEvent{e}, m.eventLog...)
	if len(m.eventLog) > 50 {
		m.eventLog = m.eventLog[:50]
	}

	if e.WorkbenchID == "" {
		return
	}
	bench, ok := m.benches[e.WorkbenchID]
	if !ok {
		bench = &benchActivity{ID: e.WorkbenchID}
		m.benches[e.WorkbenchID] = bench
		m.order = append(m.order, e.WorkbenchID)
	}
	bench.LastEvent = e.Type
	bench.LastSeen = e.At

	data := make(map[string]any)
	_ = json.Unmarshal(e.Payload, &data)

	switch e.Type {
	case "progress":
		bench.Stage, _ = data["stage"].(string)
	case "draft_created":
		bench.HasDraft = true
		bench.Stage = ""
	case "draft_discarded", "published", "restored":
		bench.HasDraft = false
		bench.Stage = ""
	case "recovered":
		bench.Stage = ""
	}
}

func (m *Model) updateTable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []table.Row
	for _, id := range m.order {
		bench := m.benches[id]

		sym := statusIdle.Render("○")
		switch {
		case bench.Stage == "rolling_back":
			sym = statusFailed.Render("∅")
		case bench.Stage != "":
			sym = statusActive.Render("◉")
		case bench.LastEvent == "published" || bench.LastEvent == "restored":
			sym = statusOK.Render("●")
		}

		draft := "-"
		if bench.HasDraft {
			draft = "yes"
		}
		when := "-"
		if !bench.LastSeen.IsZero() {
			when = bench.LastSeen.Format("15:04:05")
		}

		rows = append(rows, table.Row{sym, short(bench.ID), draft, bench.Stage, bench.LastEvent, when})
	}
	m.benchTable.SetRows(rows)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	benches := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Workbenches"),
			m.benchTable.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			benches,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	if m.health.Status != "ok" && m.health.Status != "" {
		status = statusFailed.Render("DEGRADED")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Workbenches: %d", m.health.Workbenches),
	}

	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width((m.width-4)/3).Render(items[0]),
			lipgloss.NewStyle().Width((m.width-4)/3).Render(items[1]),
			lipgloss.NewStyle().Width((m.width-4)/3).Render(items[2]),
		),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-19s | %s %s", ts, e.Type, short(e.WorkbenchID), string(e.Payload)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// --- Commands ---

// subscribeToEvents reads the SSE stream and forwards parsed events onto
// the model's channel. The "event:" line carries the type, "data:" the
// JSON body.
func (m Model) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{}
		req, _ := http.NewRequest("GET", m.apiURL+"/events", nil)
		if m.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+m.apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		var eventType string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				eventType = line[7:]
			case strings.HasPrefix(line, "data: "):
				var ev streamEvent
				if err := json.Unmarshal([]byte(line[6:]), &ev); err == nil {
					ev.Type = eventType
					m.hubEvents <- ev
				}
			}
		}
		return nil
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.hubEvents)
	}
}

func (m Model) pollHealth() tea.Cmd {
	return func() tea.Msg {
		return m.fetchHealth()
	}
}

func (m Model) fetchHealth() tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, _ := http.NewRequest("GET", m.apiURL+"/healthz", nil)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
