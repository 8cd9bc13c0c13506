// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/internal/bridge"
	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

var consoleShowFrames bool

var consoleCmd = &cobra.Command{
	Use:   "console [ROUTE...]",
	Short: "Interactive TUI for commanding the hub and watching events",
	Long: `Talk to a Serial Hub through an interactive terminal UI.

Features:
  - Live event routes (ROUTE is CATEGORY[:INSTANCE][!])
  - Command line for get, send, enable and disable
  - Link statistics
  - Event logging
  - Automatic reconnection on connection loss

Commands typed at the prompt:
  get CAT[:IID] CID [HEX]      send and print the response
  send CAT[:IID] CID [HEX]     send and wait for the ACK
  enable CAT[:IID]             register and enable an event route
  disable CAT[:IID]            disable and drop an event route

Tab switches between the route list and the prompt.

Supports both serial and WebSocket connections.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().BoolVar(&consoleShowFrames, "show-frames", false, "Log every frame, not just events")
}

// consoleClient batches events for the TUI
type consoleClient struct {
	events chan serialhub.Event
}

func (c *consoleClient) EventReceived(ev serialhub.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// connectionManager handles session lifecycle and reconnection
type connectionManager struct {
	sess     *session
	connInfo string
	routes   []bridge.Route
	mu       sync.RWMutex

	client *consoleClient
	frames chan string
	p      *tea.Program
	done   chan struct{}
}

func (cm *connectionManager) getLink() *serialhub.Link {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.sess == nil {
		return nil
	}
	return cm.sess.link
}

func (cm *connectionManager) setSession(s *session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.sess = s
	if s != nil {
		cm.connInfo = s.info
	}
}

// addRoute remembers a route so it survives reconnection
func (cm *connectionManager) addRoute(r bridge.Route) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i, have := range cm.routes {
		if have.Category == r.Category && have.Instance == r.Instance {
			cm.routes[i] = r
			return
		}
	}
	cm.routes = append(cm.routes, r)
}

func (cm *connectionManager) removeRoute(r bridge.Route) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i, have := range cm.routes {
		if have.Category == r.Category && have.Instance == r.Instance {
			cm.routes = append(cm.routes[:i], cm.routes[i+1:]...)
			return
		}
	}
}

func (cm *connectionManager) getRoutes() []bridge.Route {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]bridge.Route(nil), cm.routes...)
}

// connect opens a session and restores every route on it
func (cm *connectionManager) connect() error {
	var observer serialhub.FrameObserver
	if consoleShowFrames {
		observer = serialhub.ObserverFunc(func(dir serialhub.Direction, f *serialhub.Frame) {
			select {
			case cm.frames <- frameSummary(dir, f):
			default:
			}
		})
	}

	s, err := openSession(context.Background(), observer)
	if err != nil {
		return err
	}
	if err := registerRoutes(s.link, cm.client, cm.getRoutes()); err != nil {
		s.Close()
		return err
	}
	cm.setSession(s)
	return nil
}

func runConsole(cmd *cobra.Command, args []string) error {
	routes, err := parseRoutes(args)
	if err != nil {
		return err
	}

	cm := &connectionManager{
		routes: routes,
		client: &consoleClient{events: make(chan serialhub.Event, 256)},
		frames: make(chan string, 256),
		done:   make(chan struct{}),
	}
	if err := cm.connect(); err != nil {
		return err
	}

	m := initialConsoleModel(cm, cm.connInfo, routes)

	// Create TUI program with alt screen and mouse support
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.p = p

	go cm.batchLoop()
	go cm.superviseLoop()

	_, err = p.Run()
	close(cm.done)

	cm.mu.Lock()
	s := cm.sess
	cm.sess = nil
	cm.mu.Unlock()
	if s != nil {
		disableRoutes(s.link, cm.getRoutes())
		s.Close()
	}

	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// batchLoop forwards events and frames to the TUI at a fixed rate
func (cm *connectionManager) batchLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-cm.done:
			return
		case <-ticker.C:
			var batch consoleBatchMsg

			// Drain all available messages
		drainLoop:
			for {
				select {
				case ev := <-cm.client.events:
					batch.events = append(batch.events, ev)
				case f := <-cm.frames:
					batch.frames = append(batch.frames, f)
				default:
					break drainLoop
				}
			}

			if len(batch.events) > 0 || len(batch.frames) > 0 {
				cm.p.Send(batch)
			}
		}
	}
}

// superviseLoop waits for the session to fail and reconnects
func (cm *connectionManager) superviseLoop() {
	for {
		cm.mu.RLock()
		s := cm.sess
		cm.mu.RUnlock()
		if s == nil {
			return
		}

		select {
		case <-cm.done:
			return
		case err := <-s.Done():
			cm.setSession(nil)
			s.Close()
			cm.p.Send(connectionLostMsg{err: err})

			if !cm.reconnect() {
				return // Shutdown requested during reconnect
			}
		}
	}
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		err := cm.connect()
		if err == nil {
			cm.mu.RLock()
			info := cm.connInfo
			cm.mu.RUnlock()
			cm.p.Send(reconnectedMsg{connInfo: info})
			return true
		}
		log.WithError(err).Debug("Reconnect failed")

		// Exponential backoff
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// errConnectionLost is reported for commands issued while reconnecting
var errConnectionLost = errors.New("connection lost")

// consoleAction is one parsed prompt line
type consoleAction struct {
	verb  string
	req   serialhub.Request
	route bridge.Route
}

// parseConsoleLine parses a prompt line into an action
func parseConsoleLine(line string) (consoleAction, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return consoleAction{}, errors.New("empty command")
	}

	a := consoleAction{verb: strings.ToLower(fields[0])}
	switch a.verb {
	case "get", "send":
		req, err := buildRequest(fields[1:], serialhub.IDHub, true)
		if err != nil {
			return a, err
		}
		a.req = req

	case "enable", "disable":
		if len(fields) != 2 {
			return a, fmt.Errorf("usage: %s CAT[:IID]", a.verb)
		}
		r, err := bridge.ParseRoute(strings.TrimSuffix(fields[1], "!"))
		if err != nil {
			return a, err
		}
		r.Enable = true
		a.route = r

	default:
		return a, fmt.Errorf("unknown command %q (get, send, enable, disable)", fields[0])
	}
	return a, nil
}

// execute runs an action on the current link and describes the outcome
func (cm *connectionManager) execute(a consoleAction) (string, error) {
	link := cm.getLink()
	if link == nil {
		return "", errConnectionLost
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*commandTimeout())
	defer cancel()

	switch a.verb {
	case "get":
		buf := make([]byte, serialhub.MaxCommandData)
		n, err := link.GetResponse(ctx, a.req, buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "response: (no data)", nil
		}
		return "response: " + hex.EncodeToString(buf[:n]), nil

	case "send":
		call, err := link.SendCommand(ctx, a.req)
		if err != nil {
			return "", err
		}
		if err := call.Wait(ctx); err != nil {
			return "", err
		}
		return fmt.Sprintf("acknowledged rqid=%d", call.RequestID()), nil

	case "enable":
		if err := registerRoutes(link, cm.client, []bridge.Route{a.route}); err != nil {
			return "", err
		}
		cm.addRoute(a.route)
		return fmt.Sprintf("enabled %s:%d", serialhub.FormatCategory(a.route.Category), a.route.Instance), nil

	case "disable":
		err := serialhub.DisableEvent(ctx, link, a.route.Category, a.route.Instance)
		link.UnregisterEvent(ctx, cm.client, a.route.Category, a.route.Instance)
		cm.removeRoute(a.route)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("disabled %s:%d", serialhub.FormatCategory(a.route.Category), a.route.Instance), nil
	}
	return "", fmt.Errorf("unknown command %q", a.verb)
}
