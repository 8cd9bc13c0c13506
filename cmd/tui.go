// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

// Log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// TUI model
type model struct {
	connInfo      string
	showAll       bool
	fetch         func() (serialhub.Statistics, error)
	stats         serialhub.Statistics
	haveStats     bool
	eventLog      []logEntry
	maxLogEntries int
	synchronized  bool
	linkErr       error
	viewport      viewport.Model
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type statsMsg struct {
	stats serialhub.Statistics
	err   error
}
type frameMsg struct {
	dir   serialhub.Direction
	frame *serialhub.Frame
}
type eventMsg struct {
	event serialhub.Event
}
type linkDownMsg struct {
	err error
}

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n uint64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

// counterDeltas describes every error counter that grew between two snapshots
func counterDeltas(prev, cur serialhub.Statistics) []string {
	counters := []struct {
		name      string
		prev, cur uint64
	}{
		{"header CRC error", prev.HeaderCRCErrors, cur.HeaderCRCErrors},
		{"payload CRC error", prev.PayloadCRCErrors, cur.PayloadCRCErrors},
		{"length error", prev.LengthErrors, cur.LengthErrors},
		{"cache overflow", prev.CacheOverflows, cur.CacheOverflows},
		{"retransmission", prev.Retransmissions, cur.Retransmissions},
		{"delivery failure", prev.DeliveryFailures, cur.DeliveryFailures},
		{"response timeout", prev.ResponseTimeouts, cur.ResponseTimeouts},
		{"duplicate frame", prev.Duplicates, cur.Duplicates},
		{"unhandled frame", prev.Unhandled, cur.Unhandled},
		{"protocol violation", prev.ProtocolViolations, cur.ProtocolViolations},
		{"receive overrun", prev.RxOverruns, cur.RxOverruns},
		{"event overrun", prev.EventOverruns, cur.EventOverruns},
	}

	var out []string
	for _, c := range counters {
		if c.cur <= c.prev {
			continue
		}
		n := c.cur - c.prev
		if n == 1 {
			out = append(out, "1 "+c.name)
		} else {
			out = append(out, fmt.Sprintf("%d %ss", n, c.name))
		}
	}
	return out
}

// frameSummary renders a frame on one line
func frameSummary(dir serialhub.Direction, f *serialhub.Frame) string {
	s := fmt.Sprintf("%s %s seq=%d", dir, serialhub.FormatFrameType(f.Type), f.Seq)
	if !f.IsData() {
		return s
	}
	c, err := serialhub.ParseCommand(f.Payload)
	if err != nil {
		return fmt.Sprintf("%s len=%d (%v)", s, len(f.Payload), err)
	}
	return fmt.Sprintf("%s %s iid=%d cid=0x%02X rqid=%d len=%d",
		s, serialhub.FormatCategory(c.Category), c.Instance, c.CommandID, c.RequestID, len(c.Data))
}

func initialModel(connInfo string, showAll bool, fetch func() (serialhub.Statistics, error)) model {
	return model{
		connInfo:      connInfo,
		showAll:       showAll,
		fetch:         fetch,
		stats:         serialhub.NewStatistics(),
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 500,
		viewport:      viewport.New(76, 10),
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) fetchStats() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		s, err := fetch()
		return statsMsg{stats: s, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = max(msg.Width-4, 20)
		m.viewport.Height = max(msg.Height-16, 5)
		m.refreshLog()

	case tickMsg:
		return m, tea.Batch(m.fetchStats(), tickCmd())

	case statsMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Statistics unavailable: %v", msg.err), true)
			break
		}
		if m.haveStats {
			for _, d := range counterDeltas(m.stats, msg.stats) {
				m.addLogEntry(d, true)
			}
		}
		m.stats = msg.stats
		m.haveStats = true

	case frameMsg:
		if !m.synchronized && msg.dir == serialhub.Inbound {
			m.synchronized = true
			m.addLogEntry("Synchronized", false)
		}
		if m.showAll {
			m.addLogEntry(frameSummary(msg.dir, msg.frame), false)
		}

	case eventMsg:
		ev := msg.event
		m.addLogEntry(fmt.Sprintf("EVENT %s iid=%d cid=0x%02X len=%d",
			serialhub.FormatCategory(ev.Category), ev.Instance, ev.Command, len(ev.Payload)), false)

	case linkDownMsg:
		m.linkErr = msg.err
		m.addLogEntry(fmt.Sprintf("CONNECTION LOST: %v", msg.err), true)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
	m.refreshLog()
}

// refreshLog re-renders the log into the viewport, following the tail
func (m *model) refreshLog() {
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	infoStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	if len(m.eventLog) == 0 {
		m.viewport.SetContent(headerStyle.Render("  (no events yet)"))
		return
	}

	var b strings.Builder
	for _, entry := range m.eventLog {
		timestamp := entry.timestamp.Format("15:04:05.000")
		if entry.isError {
			b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
		} else {
			b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), infoStyle.Render("ℹ "+entry.message)))
		}
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

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

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("SERIAL HUB - LINK STATISTICS"))
	s.WriteString("\n")
	mode := "Errors and events"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Press 'q' to quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Link status
	switch {
	case m.linkErr != nil:
		s.WriteString(errorStyle.Render("✗ Connection lost"))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for first frame..."))
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.stats.DiscardedBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (discarded %d bytes)", m.stats.DiscardedBytes)))
		}
	}
	s.WriteString("\n\n")

	// Statistics
	st := m.stats
	st.CalculateRates()
	framingErrors := st.FramingErrors()
	deliveryErrors := st.DeliveryFailures + st.ResponseTimeouts

	render := func(v uint64, bad bool) string {
		if bad && v > 0 {
			return errorStyle.Render(fmt.Sprintf("%d", v))
		}
		return statsValueStyle.Render(fmt.Sprintf("%d", v))
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("RX:"), render(st.FramesReceived, false),
		statsLabelStyle.Render("TX:"), render(st.FramesTransmitted, false),
		statsLabelStyle.Render("ACK/NAK:"), statsValueStyle.Render(fmt.Sprintf("%d/%d", st.Acks, st.Naks)),
		statsLabelStyle.Render("Events:"), render(st.EventsDispatched, false),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Commands:"), render(st.Commands, false),
		statsLabelStyle.Render("Responses:"), render(st.Responses, false),
		statsLabelStyle.Render("Retransmissions:"), func() string {
			if st.Retransmissions > 0 {
				return warningStyle.Render(fmt.Sprintf("%d", st.Retransmissions))
			}
			return statsValueStyle.Render("0")
		}(),
	))

	if framingErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d, %s: %d)\n",
			statsLabelStyle.Render("Framing:"), render(framingErrors, true),
			headerStyle.Render("header CRC"), st.HeaderCRCErrors,
			headerStyle.Render("payload CRC"), st.PayloadCRCErrors,
			headerStyle.Render("length"), st.LengthErrors,
			headerStyle.Render("overflow"), st.CacheOverflows,
		))
	}

	if deliveryErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d)\n",
			statsLabelStyle.Render("Delivery:"), render(deliveryErrors, true),
			headerStyle.Render("failed"), st.DeliveryFailures,
			headerStyle.Render("timeouts"), st.ResponseTimeouts,
		))
	}

	if dropped := st.Unhandled + st.Duplicates + st.ProtocolViolations + st.RxOverruns + st.EventOverruns; dropped > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d, %s: %d)\n",
			statsLabelStyle.Render("Dropped:"), warningStyle.Render(fmt.Sprintf("%d", dropped)),
			headerStyle.Render("unhandled"), st.Unhandled,
			headerStyle.Render("duplicates"), st.Duplicates,
			headerStyle.Render("violations"), st.ProtocolViolations,
			headerStyle.Render("overruns"), st.RxOverruns+st.EventOverruns,
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f fr/s", st.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if st.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
		}(),
		statsLabelStyle.Render("Up:"), statsValueStyle.Render(formatUptime(uint64(time.Since(st.StartTime).Milliseconds()))),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.viewport.View()))

	return s.String()
}
