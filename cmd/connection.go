// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/serialhub/internal/config"
	"github.com/Thermoquad/serialhub/internal/wake"
	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

// Connection provides a common interface for reading/writing bytes from serial or WebSocket
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// ErrConnectionClosed is returned when reading from a closed connection
var ErrConnectionClosed = errors.New("connection closed")

// WebSocketConnection carries the raw UART stream over a WebSocket bridge
type WebSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool

	// Link writes come from the link loop, reads from the pump goroutine
	writeMu sync.Mutex
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}

		// The stream is binary only
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenSerialConnection opens the serial port described by cfg
func OpenSerialConnection(cfg *config.Config) (Connection, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	if cfg.HardwareFlowControl() {
		// Signal ready-to-receive; the UART driver handles CTS
		if err := port.SetRTS(true); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to assert RTS on %s: %w", cfg.Port, err)
		}
	}

	return &SerialConnection{port: port}, nil
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketConnection{conn: conn}, nil
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("SERIALHUB_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal, read a plain line
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenConnection opens either a serial or WebSocket connection based on flags
func OpenConnection() (Connection, string, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocketConnection(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	if cfg.Port != "" {
		conn, err := OpenSerialConnection(cfg)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud (%d data bits, parity %s, %s stop bits, flow %s)",
			cfg.Port, cfg.Baud, cfg.DataBits, cfg.Parity, cfg.StopBits, cfg.FlowControl), nil
	}

	return nil, "", fmt.Errorf("either --port (SERIALHUB_PORT) or --url must be specified")
}

// session is an open connection driven by a running link
type session struct {
	conn Connection
	link *serialhub.Link
	info string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	readErr chan error
}

// openSession opens the connection, starts the link loop, the receive pump
// and, when configured, the wake pin watcher
func openSession(ctx context.Context, observer serialhub.FrameObserver) (*session, error) {
	conn, info, err := OpenConnection()
	if err != nil {
		return nil, err
	}

	linkCfg := cfg.Link(log)
	linkCfg.Observer = observer

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:    conn,
		link:    serialhub.NewLink(conn, linkCfg),
		info:    info,
		cancel:  cancel,
		readErr: make(chan error, 1),
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.link.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.pump(ctx)
	}()

	if cfg.WakePin != "" {
		pin, err := wake.OpenPin(cfg.WakePin)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer wake.ClosePin(pin)
			wake.Watch(ctx, pin, s.link, log)
		}()
		log.WithField("pin", cfg.WakePin).Info("Watching wake interrupt")
	}

	return s, nil
}

// pump reads from the connection into the link until it fails
func (s *session) pump(ctx context.Context) {
	buf := make([]byte, serialhub.MaxFrameSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.link.Receive(buf[:n])
		}
		if err != nil {
			if ctx.Err() == nil {
				s.readErr <- err
			}
			return
		}
	}
}

// Done returns a channel that yields the read error ending the session
func (s *session) Done() <-chan error {
	return s.readErr
}

// Close stops the link and closes the connection
func (s *session) Close() error {
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
