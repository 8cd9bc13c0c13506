// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/serialhub/internal/bridge"
	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

// ============================================================
// Request Parsing
// ============================================================

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    serialhub.Request
		wantErr bool
	}{
		{
			name: "category only",
			args: []string{"sam", "0x0B"},
			want: serialhub.Request{Category: serialhub.CategorySAM, Target: serialhub.IDHub, Command: 0x0B, WantAck: true},
		},
		{
			name: "instance and payload",
			args: []string{"TMP:2", "12", "0102"},
			want: serialhub.Request{
				Category: serialhub.CategoryTMP, Target: serialhub.IDHub, Instance: 2,
				Command: 12, Payload: []byte{0x01, 0x02}, WantAck: true,
			},
		},
		{
			name: "payload with spaces",
			args: []string{"0x05", "1", "aa bb"},
			want: serialhub.Request{
				Category: serialhub.CategoryFAN, Target: serialhub.IDHub,
				Command: 1, Payload: []byte{0xAA, 0xBB}, WantAck: true,
			},
		},
		{name: "enable marker", args: []string{"sam!", "1"}, wantErr: true},
		{name: "missing command", args: []string{"sam"}, wantErr: true},
		{name: "too many args", args: []string{"sam", "1", "00", "extra"}, wantErr: true},
		{name: "command out of range", args: []string{"sam", "300"}, wantErr: true},
		{name: "bad hex", args: []string{"sam", "1", "zz"}, wantErr: true},
		{name: "unknown category", args: []string{"bogus", "1"}, wantErr: true},
		{name: "payload too large", args: []string{"sam", "1", strings.Repeat("00", serialhub.MaxCommandData+1)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildRequest(tt.args, serialhub.IDHub, true)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("buildRequest(%q) succeeded, want error", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildRequest(%q): %v", tt.args, err)
			}
			if got.Category != tt.want.Category || got.Target != tt.want.Target ||
				got.Instance != tt.want.Instance || got.Command != tt.want.Command ||
				got.WantAck != tt.want.WantAck || !bytes.Equal(got.Payload, tt.want.Payload) {
				t.Errorf("buildRequest(%q) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestBuildRequest_NoAck(t *testing.T) {
	req, err := buildRequest([]string{"bat", "3"}, 0x02, false)
	if err != nil {
		t.Fatal(err)
	}
	if req.WantAck {
		t.Error("WantAck = true, want false")
	}
	if req.Target != 0x02 {
		t.Errorf("Target = %d, want 2", req.Target)
	}
}

func TestParseRoutes(t *testing.T) {
	routes, err := parseRoutes([]string{"tmp:1!", "sam"})
	if err != nil {
		t.Fatal(err)
	}
	want := []bridge.Route{
		{Category: serialhub.CategoryTMP, Instance: 1, Enable: true},
		{Category: serialhub.CategorySAM},
	}
	if !reflect.DeepEqual(routes, want) {
		t.Errorf("parseRoutes = %+v, want %+v", routes, want)
	}

	if _, err := parseRoutes([]string{"sam", "nope"}); err == nil {
		t.Error("expected error for unknown category")
	}
}

// ============================================================
// Console
// ============================================================

func TestParseConsoleLine(t *testing.T) {
	tests := []struct {
		line    string
		verb    string
		route   bridge.Route
		wantErr bool
	}{
		{line: "get sam 0x0B", verb: "get"},
		{line: "SEND tmp:1 2 ff", verb: "send"},
		{line: "enable tmp:3", verb: "enable", route: bridge.Route{Category: serialhub.CategoryTMP, Instance: 3, Enable: true}},
		{line: "disable tmp:3!", verb: "disable", route: bridge.Route{Category: serialhub.CategoryTMP, Instance: 3, Enable: true}},
		{line: "", wantErr: true},
		{line: "   ", wantErr: true},
		{line: "reboot sam", wantErr: true},
		{line: "enable", wantErr: true},
		{line: "enable tmp:1 extra", wantErr: true},
		{line: "get sam", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			a, err := parseConsoleLine(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseConsoleLine(%q) succeeded, want error", tt.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseConsoleLine(%q): %v", tt.line, err)
			}
			if a.verb != tt.verb {
				t.Errorf("verb = %q, want %q", a.verb, tt.verb)
			}
			if a.route != tt.route {
				t.Errorf("route = %+v, want %+v", a.route, tt.route)
			}
		})
	}
}

func TestParseConsoleLine_Request(t *testing.T) {
	a, err := parseConsoleLine("send tmp:1 2 ff")
	if err != nil {
		t.Fatal(err)
	}
	if a.req.Category != serialhub.CategoryTMP || a.req.Instance != 1 || a.req.Command != 2 {
		t.Errorf("req = %+v", a.req)
	}
	if !bytes.Equal(a.req.Payload, []byte{0xFF}) {
		t.Errorf("payload = %X, want FF", a.req.Payload)
	}
	if !a.req.WantAck {
		t.Error("console requests should ask for an ACK")
	}
}

func TestConnectionManager_Routes(t *testing.T) {
	cm := &connectionManager{}
	cm.addRoute(bridge.Route{Category: serialhub.CategoryTMP, Instance: 1})
	cm.addRoute(bridge.Route{Category: serialhub.CategoryBAT})
	cm.addRoute(bridge.Route{Category: serialhub.CategoryTMP, Instance: 1, Enable: true})

	routes := cm.getRoutes()
	if len(routes) != 2 {
		t.Fatalf("got %d routes, want 2", len(routes))
	}
	if !routes[0].Enable {
		t.Error("re-adding a route should replace it")
	}

	cm.removeRoute(bridge.Route{Category: serialhub.CategoryTMP, Instance: 1})
	routes = cm.getRoutes()
	if len(routes) != 1 || routes[0].Category != serialhub.CategoryBAT {
		t.Errorf("routes after remove = %+v", routes)
	}

	if _, err := cm.execute(consoleAction{verb: "get"}); err != errConnectionLost {
		t.Errorf("execute without session = %v, want errConnectionLost", err)
	}
}

// ============================================================
// Display Helpers
// ============================================================

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		ms   uint64
		want string
	}{
		{0, "0 seconds"},
		{500, "0 seconds"},
		{1000, "1 second"},
		{45000, "45 seconds"},
		{61000, "1 minute and 1 second"},
		{120000, "2 minutes"},
		{3600000, "1 hour"},
		{90061000, "1 day, 1 hour, 1 minute, and 1 second"},
		{2 * 86400000, "2 days"},
	}

	for _, tt := range tests {
		if got := formatUptime(tt.ms); got != tt.want {
			t.Errorf("formatUptime(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestCounterDeltas(t *testing.T) {
	prev := serialhub.Statistics{Retransmissions: 2, Duplicates: 5}
	cur := serialhub.Statistics{
		HeaderCRCErrors: 1,
		Retransmissions: 5,
		Duplicates:      5,
	}

	got := counterDeltas(prev, cur)
	want := []string{"1 header CRC error", "3 retransmissions"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("counterDeltas = %q, want %q", got, want)
	}

	// Counters going backwards are not reported
	if got := counterDeltas(cur, prev); len(got) != 0 {
		t.Errorf("counterDeltas(reversed) = %q, want none", got)
	}
}

func TestFrameSummary(t *testing.T) {
	ack := &serialhub.Frame{Type: serialhub.FrameTypeAck, Seq: 7}
	if got := frameSummary(serialhub.Inbound, ack); got != "RX ACK seq=7" {
		t.Errorf("ACK summary = %q", got)
	}

	c := &serialhub.Command{
		Category:  serialhub.CategoryTMP,
		Target:    serialhub.IDHost,
		Source:    serialhub.IDHub,
		Instance:  2,
		RequestID: 40,
		CommandID: 0x0B,
		Data:      []byte{1, 2, 3},
	}
	payload, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	data := &serialhub.Frame{Type: serialhub.FrameTypeDataSeq, Seq: 3, Payload: payload}
	want := "TX DATA_SEQ seq=3 TMP iid=2 cid=0x0B rqid=40 len=3"
	if got := frameSummary(serialhub.Outbound, data); got != want {
		t.Errorf("data summary = %q, want %q", got, want)
	}

	bad := &serialhub.Frame{Type: serialhub.FrameTypeDataNoSeq, Payload: []byte{0x01}}
	if got := frameSummary(serialhub.Inbound, bad); !strings.HasPrefix(got, "RX DATA seq=0 len=1 (") {
		t.Errorf("non-command summary = %q", got)
	}
}

func TestRTTSummary(t *testing.T) {
	var s rttSummary
	if s.loss() != 0 {
		t.Errorf("loss with nothing sent = %v", s.loss())
	}

	s.sent = 4
	s.add(2 * time.Millisecond)
	s.add(4 * time.Millisecond)
	s.add(3 * time.Millisecond)

	if s.min != 2*time.Millisecond || s.max != 4*time.Millisecond {
		t.Errorf("min/max = %v/%v", s.min, s.max)
	}
	if s.loss() != 25 {
		t.Errorf("loss = %v, want 25", s.loss())
	}
	out := s.String()
	if !strings.Contains(out, "4 pings sent, 3 responses received, 25% loss") {
		t.Errorf("summary = %q", out)
	}
	if !strings.Contains(out, "rtt min/avg/max = 2ms/3ms/4ms") {
		t.Errorf("summary = %q", out)
	}
}

// ============================================================
// Bridge
// ============================================================

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("localhost:6379")
	if err != nil {
		t.Fatal(err)
	}
	if opts.Addr != "localhost:6379" {
		t.Errorf("Addr = %q", opts.Addr)
	}

	opts, err = redisOptions("redis://:secret@cache:6380/2")
	if err != nil {
		t.Fatal(err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Errorf("parsed options = addr %q password %q db %d", opts.Addr, opts.Password, opts.DB)
	}

	if _, err := redisOptions("http://cache:6379"); err == nil {
		t.Error("expected error for non-redis scheme")
	}
}
