package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/forkq/internal/coordinator"
	"github.com/mattjoyce/forkq/internal/events"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const (
	maxTasks  = 200
	maxEvents = 50
)

// --- Types ---

// TaskRow is one task as seen through the event stream.
type TaskRow struct {
	ID         string
	Type       string
	Status     string
	WorkerID   int
	DurationMS int64
	Error      string
}

// Model is the bubbletea model for `forkq pool monitor`.
type Model struct {
	apiURL string
	client *http.Client
	token  string

	width  int
	height int

	snapshot coordinator.Snapshot
	tasks    map[string]*TaskRow
	order    []string // newest first
	eventLog []events.Event
	lastErr  error

	hubEvents chan events.Event

	workerTable table.Model
	taskTable   table.Model
}

type eventMsg events.Event
type snapshotMsg coordinator.Snapshot
type errMsg struct{ err error }

// WithToken sends token as a bearer token on every request.
func (m *Model) WithToken(token string) *Model {
	m.token = token
	return m
}

func (m Model) authorize(req *http.Request) {
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
}

// NewMonitor returns a monitor reading the API served at apiURL.
func NewMonitor(apiURL string) *Model {
	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		client:    &http.Client{Timeout: 2 * time.Second},
		tasks:     make(map[string]*TaskRow),
		hubEvents: make(chan events.Event, 100),
		workerTable: newTable([]table.Column{
			{Title: "Slot", Width: 4},
			{Title: "State", Width: 12},
			{Title: "PID", Width: 8},
			{Title: "Inc", Width: 4},
			{Title: "Msgs", Width: 6},
			{Title: "Task", Width: 10},
		}, false),
		taskTable: newTable([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Type", Width: 16},
			{Title: "ID", Width: 10},
			{Title: "Worker", Width: 6},
			{Title: "Duration", Width: 10},
			{Title: "Error", Width: 30},
		}, true),
	}
}

func newTable(cols []table.Column, focused bool) table.Model {
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(focused),
		table.WithHeight(8),
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
	return t
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.pollStats(),
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
		m.workerTable.SetWidth(m.width - 6)
		m.taskTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTaskTable()
		return m, m.receiveNextEvent()

	case snapshotMsg:
		m.snapshot = coordinator.Snapshot(msg)
		m.lastErr = nil
		m.updateWorkerTable()
		return m, m.tick()

	case errMsg:
		m.lastErr = msg.err
		return m, m.tick()
	}

	m.taskTable, cmd = m.taskTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEvents {
		m.eventLog = m.eventLog[:maxEvents]
	}

	var data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Status     string `json:"status"`
		WorkerID   int    `json:"worker_id"`
		DurationMS int64  `json:"duration_ms"`
		Error      string `json:"error"`
	}
	_ = json.Unmarshal(e.Data, &data)
	if data.ID == "" {
		return
	}

	switch e.Type {
	case events.TaskEnqueued:
		m.track(data.ID, data.Type).Status = "queued"
	case events.TaskCompleted:
		row := m.track(data.ID, data.Type)
		row.Status = data.Status
		row.WorkerID = data.WorkerID
		row.DurationMS = data.DurationMS
		row.Error = data.Error
	}
}

func (m *Model) track(id, taskType string) *TaskRow {
	if row, ok := m.tasks[id]; ok {
		return row
	}
	row := &TaskRow{ID: id, Type: taskType, WorkerID: -1}
	m.tasks[id] = row
	m.order = append([]string{id}, m.order...)
	if len(m.order) > maxTasks {
		for _, old := range m.order[maxTasks:] {
			delete(m.tasks, old)
		}
		m.order = m.order[:maxTasks]
	}
	return row
}

func (m *Model) updateTaskTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		row := m.tasks[id]
		worker, duration := "-", "-"
		if row.WorkerID >= 0 && row.Status != "queued" {
			worker = strconv.Itoa(row.WorkerID)
			duration = (time.Duration(row.DurationMS) * time.Millisecond).String()
		}
		rows = append(rows, table.Row{
			statusSymbol(row.Status),
			row.Type,
			shortID(row.ID),
			worker,
			duration,
			row.Error,
		})
	}
	m.taskTable.SetRows(rows)
}

func (m *Model) updateWorkerTable() {
	rows := make([]table.Row, 0, len(m.snapshot.Workers))
	for _, w := range m.snapshot.Workers {
		pid := "-"
		if w.PID > 0 {
			pid = strconv.Itoa(w.PID)
		}
		rows = append(rows, table.Row{
			strconv.Itoa(w.Slot),
			w.State,
			pid,
			strconv.Itoa(w.Incarnation),
			strconv.FormatInt(w.Messages, 10),
			shortID(w.TaskID),
		})
	}
	m.workerTable.SetRows(rows)
}

func statusSymbol(status string) string {
	switch status {
	case "queued":
		return statusQueued.Render("○")
	case "succeeded":
		return statusOK.Render("●")
	case "failed":
		return statusFailed.Render("∅")
	default:
		return statusRunning.Render("◉")
	}
}

func shortID(id string) string {
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

	workers := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Workers"),
			m.workerTable.View(),
		),
	)
	tasks := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Tasks"),
			m.taskTable.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll Tasks")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			workers,
			tasks,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	switch {
	case m.lastErr != nil:
		status = statusFailed.Render("UNREACHABLE")
	case m.snapshot.Stopped:
		status = statusQueued.Render("STOPPING")
	case !m.snapshot.Available && m.snapshot.PoolSize > 0:
		status = statusFailed.Render("UNAVAILABLE")
	}

	uptime := time.Duration(m.snapshot.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Queue: %d/%d", m.snapshot.QueueLength, m.snapshot.QueueCapacity),
		fmt.Sprintf("Pending: %d", m.snapshot.Pending),
	}

	cells := make([]string, len(items))
	for i, item := range items {
		cells[i] = lipgloss.NewStyle().Width((m.width - 4) / len(items)).Render(item)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Local().Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-20s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// --- Commands ---

func (m Model) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, m.apiURL+"/events", nil)
		if err != nil {
			return errMsg{err}
		}
		m.authorize(req)
		// The stream is long-lived; the polling client's timeout does not apply.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return errMsg{err}
		}
		defer resp.Body.Close()

		if err := readSSE(context.Background(), resp.Body, m.hubEvents); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

// readSSE decodes a server-sent event stream into out until r ends.
func readSSE(ctx context.Context, r io.Reader, out chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var ev events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Data != nil {
				ev.At = time.Now()
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			ev = events.Event{}
		case strings.HasPrefix(line, "id: "):
			ev.ID, _ = strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.hubEvents)
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return m.fetchStats()
	})
}

func (m Model) pollStats() tea.Cmd {
	return func() tea.Msg {
		return m.fetchStats()
	}
}

func (m Model) fetchStats() tea.Msg {
	req, err := http.NewRequest(http.MethodGet, m.apiURL+"/stats", nil)
	if err != nil {
		return errMsg{err}
	}
	m.authorize(req)
	resp, err := m.client.Do(req)
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg{fmt.Errorf("GET /stats: %s", resp.Status)}
	}

	var snap coordinator.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return errMsg{err}
	}
	return snapshotMsg(snap)
}
