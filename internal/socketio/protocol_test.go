package socketio

import (
	"encoding/json"
	"testing"
)

func TestParseSocketEventPacket(t *testing.T) {
	p, err := parseSocketEventPacket(`2["session-alive",{"sid":"s1","time":100}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Namespace != "/" {
		t.Errorf("namespace = %q, want /", p.Namespace)
	}
	if p.ID != nil {
		t.Errorf("id = %v, want nil", *p.ID)
	}
	if p.Event != "session-alive" {
		t.Errorf("event = %q", p.Event)
	}
	if len(p.Args) != 1 {
		t.Fatalf("args = %d, want 1", len(p.Args))
	}
}

func TestParseSocketEventPacketWithAckID(t *testing.T) {
	p, err := parseSocketEventPacket(`213["rpc-call",{"method":"m"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ID == nil || *p.ID != 13 {
		t.Fatalf("id = %v, want 13", p.ID)
	}
	if p.Event != "rpc-call" {
		t.Errorf("event = %q", p.Event)
	}
}

func TestParseSocketEventPacketWithNamespace(t *testing.T) {
	p, err := parseSocketEventPacket(`2/admin,5["ping"]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Namespace != "/admin" {
		t.Errorf("namespace = %q", p.Namespace)
	}
	if p.ID == nil || *p.ID != 5 {
		t.Fatalf("id = %v, want 5", p.ID)
	}
}

func TestParseSocketEventPacketErrors(t *testing.T) {
	cases := []string{
		"",
		"3[]",
		"2not-json",
		"2[]",
		`2[42]`,
	}
	for _, payload := range cases {
		if _, err := parseSocketEventPacket(payload); err == nil {
			t.Errorf("parseSocketEventPacket(%q): expected error", payload)
		}
	}
}

func TestParseSocketAckPacket(t *testing.T) {
	p, err := parseSocketAckPacket(`37["ok"]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ID != 7 {
		t.Errorf("id = %d, want 7", p.ID)
	}
	if len(p.Args) != 1 {
		t.Fatalf("args = %d, want 1", len(p.Args))
	}

	if _, err := parseSocketAckPacket(`3["no-id"]`); err == nil {
		t.Error("expected error for missing ack id")
	}
}

func TestBuildSocketEventPacket(t *testing.T) {
	got, err := buildSocketEventPacket("/", nil, "update", map[string]any{"seq": 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := `2["update",{"seq":1}]`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	id := 9
	got, err = buildSocketEventPacket("/", &id, "rpc-request", "m")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got != `29["rpc-request","m"]` {
		t.Errorf("got %q", got)
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	id := 42
	built, err := buildSocketEventPacket("/", &id, "message", map[string]any{"sid": "s1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p, err := parseSocketEventPacket(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Event != "message" || p.ID == nil || *p.ID != 42 {
		t.Errorf("round trip mismatch: %+v", p)
	}
	var arg map[string]string
	if err := json.Unmarshal(p.Args[0], &arg); err != nil || arg["sid"] != "s1" {
		t.Errorf("arg mismatch: %v %v", arg, err)
	}
}

func TestBuildSocketAckPacket(t *testing.T) {
	got, err := buildSocketAckPacket("/", 3, map[string]any{"result": "success"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got != `33[{"result":"success"}]` {
		t.Errorf("got %q", got)
	}

	// A nil args list still serializes as an empty array.
	got, err = buildSocketAckPacket("/", 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got != `31[]` {
		t.Errorf("got %q", got)
	}
}

func TestBuildSocketConnectPacket(t *testing.T) {
	got, err := buildSocketConnectPacket("/", "abc")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got != `0{"sid":"abc"}` {
		t.Errorf("got %q", got)
	}
}
