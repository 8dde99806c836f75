package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParse_Envelope(t *testing.T) {
	data := []byte(`{"type":"clt_init_received","messageId":"m1","timestamp":1700000000000,"clientId":"c1","table":"user","chunk":3}`)

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if f.Type != TypeInitReceived {
		t.Errorf("Type = %q, want %q", f.Type, TypeInitReceived)
	}
	if f.MessageID != "m1" {
		t.Errorf("MessageID = %q, want m1", f.MessageID)
	}
	if f.ClientID != "c1" {
		t.Errorf("ClientID = %q, want c1", f.ClientID)
	}

	var ack InitReceived
	if err := f.Decode(&ack); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if ack.Table != "user" || ack.Chunk != 3 {
		t.Errorf("payload = %+v, want {user 3}", ack)
	}
}

func TestParse_RejectsMissingEnvelopeFields(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"no type", `{"messageId":"m","clientId":"c"}`, ErrMissingType},
		{"no messageId", `{"type":"clt_error","clientId":"c"}`, ErrMissingID},
		{"no clientId", `{"type":"clt_error","messageId":"m"}`, ErrMissingClientID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParse_MalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Error("Parse() accepted malformed JSON")
	}
}

func TestBuild_FlattensPayload(t *testing.T) {
	data, err := Build(TypeSendChanges, "c1", SendChanges{
		Changes: []Change{},
		LastLSN: "0/F",
	})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal built frame: %v", err)
	}
	if fields["type"] != string(TypeSendChanges) {
		t.Errorf("type = %v, want %s", fields["type"], TypeSendChanges)
	}
	if fields["clientId"] != "c1" {
		t.Errorf("clientId = %v, want c1", fields["clientId"])
	}
	if fields["messageId"] == "" || fields["messageId"] == nil {
		t.Error("messageId not stamped")
	}
	if fields["lastLSN"] != "0/F" {
		t.Errorf("lastLSN = %v, want 0/F (payload not flattened)", fields["lastLSN"])
	}
	if _, ok := fields["timestamp"].(float64); !ok {
		t.Error("timestamp not stamped")
	}
}

func TestBuild_ParseRoundTrip(t *testing.T) {
	data, err := Build(TypeInitStart, "c9", InitStart{ServerLSN: "0/16", Resuming: true})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	var p InitStart
	if err := f.Decode(&p); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if p.ServerLSN != "0/16" || !p.Resuming {
		t.Errorf("payload = %+v, want {0/16 true}", p)
	}
}

func TestKnown(t *testing.T) {
	if !Known(TypeClientChanges) {
		t.Error("Known(clt_send_changes) = false")
	}
	if Known(Type("srv_bogus")) {
		t.Error("Known(srv_bogus) = true")
	}
}

func TestChangeID(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"string id", map[string]any{"id": "u1"}, "u1"},
		{"numeric id", map[string]any{"id": float64(42)}, "42"},
		{"no id", map[string]any{"name": "x"}, ""},
		{"nil data", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Change{Table: "user", Data: tt.data}
			if got := c.ID(); got != tt.want {
				t.Errorf("ID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDedupe_KeepsGreatestUpdatedAt(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	changes := []Change{
		{Table: "task", Op: OpUpdate, Data: map[string]any{"id": "t1"}, UpdatedAt: t0},
		{Table: "task", Op: OpUpdate, Data: map[string]any{"id": "t2"}, UpdatedAt: t0},
		{Table: "task", Op: OpUpdate, Data: map[string]any{"id": "t1", "v": 2}, UpdatedAt: t0.Add(time.Hour)},
		{Table: "user", Op: OpUpdate, Data: map[string]any{"id": "t1"}, UpdatedAt: t0},
	}

	got := Dedupe(changes)
	if len(got) != 3 {
		t.Fatalf("Dedupe() len = %d, want 3", len(got))
	}
	// t1 on task keeps the later version, in its original slot.
	if got[0].Data["v"] != 2 {
		t.Errorf("surviving t1 = %+v, want the later version", got[0])
	}
	if got[1].ID() != "t2" {
		t.Errorf("got[1] id = %q, want t2", got[1].ID())
	}
	// Same id on a different table is a distinct key.
	if got[2].Table != "user" {
		t.Errorf("got[2] table = %q, want user", got[2].Table)
	}
}

func TestDedupe_OlderDuplicateIgnored(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	changes := []Change{
		{Table: "task", Op: OpUpdate, Data: map[string]any{"id": "t1", "v": 2}, UpdatedAt: t0.Add(time.Hour)},
		{Table: "task", Op: OpDelete, Data: map[string]any{"id": "t1"}, UpdatedAt: t0},
	}
	got := Dedupe(changes)
	if len(got) != 1 {
		t.Fatalf("Dedupe() len = %d, want 1", len(got))
	}
	if got[0].Op != OpUpdate {
		t.Errorf("survivor op = %q, want update", got[0].Op)
	}
}

func TestIDs(t *testing.T) {
	changes := []Change{
		{Data: map[string]any{"id": "a"}},
		{Data: map[string]any{}},
		{Data: map[string]any{"id": "b"}},
	}
	got := IDs(changes)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("IDs() = %v, want [a b]", got)
	}
}
