// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/serialhub/internal/bridge"
	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	statsIntervalSeconds = 2 // Poll link statistics every N seconds
	historyLimit         = 50
)

// Focus states
const (
	focusRouteList = iota
	focusPrompt
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// routeItem is one event route and its latest event
type routeItem struct {
	route    bridge.Route
	count    int
	last     *serialhub.Event
	lastSeen time.Time
}

// Implement list.Item interface
func (r routeItem) Title() string {
	return fmt.Sprintf("%s:%d", serialhub.FormatCategory(r.route.Category), r.route.Instance)
}

func (r routeItem) Description() string {
	if r.last == nil {
		return "no events"
	}
	return fmt.Sprintf("%d events, cid=0x%02X", r.count, r.last.Command)
}

func (r routeItem) FilterValue() string { return r.Title() }

// consoleModel is the Bubble Tea model for the console TUI
type consoleModel struct {
	// Connection manager (for commands and reconnection)
	connMgr  *connectionManager
	connInfo string

	// Routes
	routes    []routeItem
	routeList list.Model

	// Monitoring
	stats         serialhub.Statistics
	eventLog      []logEntry
	maxLogEntries int

	// Prompt
	prompt       textinput.Model
	history      []string
	historyIdx   int
	focusedField int
	busy         bool

	// UI state
	width          int
	height         int
	synchronized   bool
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

type consoleBatchMsg struct {
	events []serialhub.Event
	frames []string
}

type consoleStatsMsg struct {
	stats serialhub.Statistics
	err   error
}

type commandResultMsg struct {
	line   string
	action consoleAction
	output string
	err    error
}

type connectionLostMsg struct {
	err error
}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(connMgr *connectionManager, connInfo string, routes []bridge.Route) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "get bat:0 0x02"
	ti.Prompt = "> "
	ti.CharLimit = 2 * serialhub.MaxPayloadSize
	ti.Width = 50

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	routeList := list.New([]list.Item{}, delegate, 30, 10)
	routeList.Title = "Routes"
	routeList.SetShowStatusBar(false)
	routeList.SetShowHelp(false)
	routeList.SetFilteringEnabled(false)

	m := consoleModel{
		connMgr:       connMgr,
		connInfo:      connInfo,
		routeList:     routeList,
		stats:         serialhub.NewStatistics(),
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 100,
		prompt:        ti,
		focusedField:  focusRouteList,
		width:         80,
		height:        24,
	}
	for _, r := range routes {
		m.routes = append(m.routes, routeItem{route: r})
	}
	m.updateRouteList()
	if len(m.routes) == 0 {
		m.focusedField = focusPrompt
		m.prompt.Focus()
	}
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(consoleTickCmd(), textinput.Blink)
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(statsIntervalSeconds*time.Second, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) pollStats() tea.Cmd {
	link := m.connMgr.getLink()
	if link == nil {
		return nil
	}
	return func() tea.Msg {
		s, err := fetchStats(link)
		return consoleStatsMsg{stats: s, err: err}
	}
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if m.focusedField == focusRouteList {
			m.routeList, _ = m.routeList.Update(msg)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case consoleTickMsg:
		return m, tea.Batch(m.pollStats(), consoleTickCmd())

	case consoleStatsMsg:
		if msg.err == nil {
			for _, d := range counterDeltas(m.stats, msg.stats) {
				m.addLogEntry(d, true)
			}
			m.stats = msg.stats
		}

	case consoleBatchMsg:
		if !m.synchronized && (len(msg.events) > 0 || len(msg.frames) > 0) {
			m.synchronized = true
			m.addLogEntry("Synchronized", false)
		}
		for _, f := range msg.frames {
			m.addLogEntry(f, false)
		}
		for _, ev := range msg.events {
			m.handleEvent(ev)
		}

	case commandResultMsg:
		m.busy = false
		m.handleResult(msg)

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry(fmt.Sprintf("Connection lost (%v) - reconnecting...", msg.err), true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.synchronized = false
		// Counters restart with the new link
		m.stats = serialhub.NewStatistics()
		m.addLogEntry("Reconnected - routes restored", false)
	}

	// Update child components
	var cmd tea.Cmd
	if m.focusedField == focusPrompt {
		m.prompt, cmd = m.prompt.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField != focusPrompt {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		return m.toggleFocus(), nil

	case "enter":
		if m.focusedField == focusPrompt {
			return m.submit()
		}

	case "up", "down":
		if m.focusedField == focusPrompt {
			m.recall(msg.String() == "up")
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.focusedField == focusPrompt {
		m.prompt, cmd = m.prompt.Update(msg)
	} else {
		m.routeList, cmd = m.routeList.Update(msg)
	}
	return m, cmd
}

func (m *consoleModel) toggleFocus() *consoleModel {
	if m.focusedField == focusPrompt && len(m.routes) > 0 {
		m.focusedField = focusRouteList
		m.prompt.Blur()
	} else {
		m.focusedField = focusPrompt
		m.prompt.Focus()
	}
	return m
}

// recall walks the prompt history
func (m *consoleModel) recall(older bool) {
	if len(m.history) == 0 {
		return
	}
	if older {
		m.historyIdx = max(m.historyIdx-1, 0)
	} else {
		m.historyIdx = min(m.historyIdx+1, len(m.history))
	}
	if m.historyIdx == len(m.history) {
		m.prompt.SetValue("")
		return
	}
	m.prompt.SetValue(m.history[m.historyIdx])
	m.prompt.CursorEnd()
}

func (m *consoleModel) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.prompt.Value())
	if line == "" {
		return m, nil
	}
	if m.busy {
		m.addLogEntry("Previous command still running", true)
		return m, nil
	}
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return m, nil
	}

	m.history = append(m.history, line)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.historyIdx = len(m.history)
	m.prompt.SetValue("")

	action, err := parseConsoleLine(line)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("%s: %v", line, err), true)
		return m, nil
	}

	m.busy = true
	m.addLogEntry("> "+line, false)
	cm := m.connMgr
	return m, func() tea.Msg {
		out, err := cm.execute(action)
		return commandResultMsg{line: line, action: action, output: out, err: err}
	}
}

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	helpText := "Tab=switch Ctrl+C=quit"
	if m.focusedField == focusRouteList {
		helpText = "Tab=switch q=quit"
	}
	s.WriteString(titleStyle.Render("SERIAL HUB CONSOLE"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s", connStatus, helpText)))
	s.WriteString("\n\n")

	// Layout: left panel (routes) | right panel (selected route)
	leftWidth := 30
	rightWidth := max(m.width-leftWidth-6, 20)

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusRouteList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	routePanel := listStyle.Render(m.routeList.View())
	detailPanel := boxStyle.Width(rightWidth).Render(m.renderRouteDetail(statsLabelStyle, statsValueStyle, headerStyle))
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, routePanel, " ", detailPanel))
	s.WriteString("\n")

	// Statistics bar
	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n")

	// Prompt
	promptStyle := boxStyle
	if m.focusedField == focusPrompt {
		promptStyle = focusedBoxStyle
	}
	promptView := m.prompt.View()
	if m.busy {
		promptView += headerStyle.Render("  (waiting...)")
	}
	s.WriteString(promptStyle.Width(m.width - 4).Render(promptView))
	s.WriteString("\n")

	// Event log
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m consoleModel) renderRouteDetail(statsLabelStyle, statsValueStyle, headerStyle lipgloss.Style) string {
	selected := m.getSelectedRoute()
	if selected == nil {
		return headerStyle.Render("No routes. Type \"enable CAT[:IID]\" to add one.")
	}

	var s strings.Builder
	s.WriteString(fmt.Sprintf("%s %s (0x%02X) iid=%d\n",
		statsLabelStyle.Render("Route:"),
		serialhub.FormatCategory(selected.route.Category), selected.route.Category, selected.route.Instance))
	s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Events:"), statsValueStyle.Render(fmt.Sprintf("%d", selected.count))))

	if selected.last == nil {
		s.WriteString(headerStyle.Render("Waiting for the first event"))
		return s.String()
	}

	s.WriteString(fmt.Sprintf("%s %s ago\n", statsLabelStyle.Render("Last:"),
		statsValueStyle.Render(formatUptime(uint64(time.Since(selected.lastSeen).Milliseconds())))))
	s.WriteString(fmt.Sprintf("%s 0x%02X  %s %d\n",
		statsLabelStyle.Render("CID:"), selected.last.Command,
		statsLabelStyle.Render("RQID:"), selected.last.RequestID))
	if len(selected.last.Payload) > 0 {
		s.WriteString(serialhub.FormatHex(selected.last.Payload))
	} else {
		s.WriteString(headerStyle.Render("(no data)"))
	}
	return s.String()
}

func (m consoleModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	st := m.stats
	st.CalculateRates()
	errs := st.FramingErrors() + st.DeliveryFailures + st.ResponseTimeouts

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("RX:"), statsValueStyle.Render(fmt.Sprintf("%d", st.FramesReceived)),
		statsLabelStyle.Render("TX:"), statsValueStyle.Render(fmt.Sprintf("%d", st.FramesTransmitted)),
		statsLabelStyle.Render("Retries:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Retransmissions)),
		statsLabelStyle.Render("Errors:"), func() string {
			if errs > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", errs))
			}
			return statsValueStyle.Render("0")
		}(),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f fr/s", st.FrameRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m consoleModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	// Calculate available height for log
	logHeight := max(m.height-m.routeList.Height()-14, 4)
	if len(m.eventLog) < logHeight {
		logHeight = len(m.eventLog)
	}
	startIdx := len(m.eventLog) - logHeight

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *consoleModel) handleEvent(ev serialhub.Event) {
	idx := m.findRoute(ev.Category, ev.Instance)
	if idx < 0 {
		m.routes = append(m.routes, routeItem{route: bridge.Route{Category: ev.Category, Instance: ev.Instance}})
		idx = len(m.routes) - 1
	}

	r := &m.routes[idx]
	r.count++
	evCopy := ev
	r.last = &evCopy
	r.lastSeen = time.Now()
	m.updateRouteList()

	m.addLogEntry(fmt.Sprintf("EVENT %s:%d cid=0x%02X len=%d",
		serialhub.FormatCategory(ev.Category), ev.Instance, ev.Command, len(ev.Payload)), false)
}

func (m *consoleModel) handleResult(msg commandResultMsg) {
	if msg.err != nil {
		m.addLogEntry(fmt.Sprintf("%s: %v", msg.line, msg.err), true)
		return
	}
	m.addLogEntry(msg.output, false)

	r := msg.action.route
	switch msg.action.verb {
	case "enable":
		if m.findRoute(r.Category, r.Instance) < 0 {
			m.routes = append(m.routes, routeItem{route: r})
		}
	case "disable":
		if idx := m.findRoute(r.Category, r.Instance); idx >= 0 {
			m.routes = append(m.routes[:idx], m.routes[idx+1:]...)
		}
	default:
		return
	}
	m.updateRouteList()
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *consoleModel) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m *consoleModel) findRoute(category, instance uint8) int {
	for i, r := range m.routes {
		if r.route.Category == category && r.route.Instance == instance {
			return i
		}
	}
	return -1
}

func (m *consoleModel) getSelectedRoute() *routeItem {
	if len(m.routes) == 0 {
		return nil
	}

	idx := m.routeList.Index()
	if idx < 0 || idx >= len(m.routes) {
		return nil
	}

	return &m.routes[idx]
}

func (m *consoleModel) updateRouteList() {
	items := make([]list.Item, len(m.routes))
	for i, r := range m.routes {
		items[i] = r
	}
	m.routeList.SetItems(items)
}

func (m *consoleModel) updateListSize() {
	// Adjust list size based on terminal size
	listHeight := m.height / 3
	if listHeight < 5 {
		listHeight = 5
	}
	m.routeList.SetSize(28, listHeight)
}
