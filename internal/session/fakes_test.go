package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/tablesync/internal/apply"
	"github.com/jfoltran/tablesync/internal/feed"
	"github.com/jfoltran/tablesync/internal/progress"
	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/internal/tables"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

// fakeTransport records outbound frames and lets tests synthesize client
// acks synchronously from Send, before the driver starts waiting.
type fakeTransport struct {
	mu        sync.Mutex
	frames    []map[string]any
	onSend    func(fields map[string]any)
	closed    bool
	closeCode int
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	t.mu.Lock()
	t.frames = append(t.frames, fields)
	onSend := t.onSend
	t.mu.Unlock()
	if onSend != nil {
		onSend(fields)
	}
	return nil
}

func (t *fakeTransport) setOnSend(fn func(fields map[string]any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
	return nil
}

func (t *fakeTransport) sent() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]any, len(t.frames))
	copy(out, t.frames)
	return out
}

func (t *fakeTransport) sentOfType(typ protocol.Type) []map[string]any {
	var out []map[string]any
	for _, f := range t.sent() {
		if f["type"] == string(typ) {
			out = append(out, f)
		}
	}
	return out
}

// fakeStore is an in-memory ProgressStore with the same monotonic LSN guard
// as the durable one.
type fakeStore struct {
	mu       sync.Mutex
	lsns     map[string]pglogrepl.LSN
	phases   map[string]protocol.Phase
	initial  map[string]progress.InitialProgress
	current  string
	lastWake time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lsns:    make(map[string]pglogrepl.LSN),
		phases:  make(map[string]protocol.Phase),
		initial: make(map[string]progress.InitialProgress),
	}
}

func (s *fakeStore) ClientLSN(_ context.Context, clientID string) (pglogrepl.LSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsns[clientID], nil
}

func (s *fakeStore) SetClientLSN(_ context.Context, clientID string, v pglogrepl.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < s.lsns[clientID] {
		return nil
	}
	s.lsns[clientID] = v
	return nil
}

func (s *fakeStore) Phase(_ context.Context, clientID string) (protocol.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.phases[clientID]; ok {
		return p, nil
	}
	return protocol.PhaseInitial, nil
}

func (s *fakeStore) SetPhase(_ context.Context, clientID string, phase protocol.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases[clientID] = phase
	return nil
}

func (s *fakeStore) InitialProgressGet(_ context.Context, clientID string) (progress.InitialProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.initial[clientID]
	return p, ok, nil
}

func (s *fakeStore) InitialProgressPut(_ context.Context, clientID string, p progress.InitialProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initial[clientID] = p
	return nil
}

func (s *fakeStore) SetCurrentClientID(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = clientID
	return nil
}

func (s *fakeStore) TouchWake(_ context.Context, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWake = at
	return nil
}

// fakeRegistry records advisory calls.
type fakeRegistry struct {
	mu          sync.Mutex
	connected   []string
	disconnects []string
	advised     []string
}

func (r *fakeRegistry) Connect(_ context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, clientID)
	return nil
}

func (r *fakeRegistry) Disconnect(_ context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, clientID)
	return nil
}

func (r *fakeRegistry) Advise(_ context.Context, _, lastLSN, syncState string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advised = append(r.advised, syncState+"@"+lastLSN)
}

func (r *fakeRegistry) Heartbeat(context.Context, string, string, bool) {}

// fakeFeed serves a fixed change history.
type fakeFeed struct {
	serverLSN pglogrepl.LSN
	items     []protocol.Change
}

func (f *fakeFeed) ChangesSince(_ context.Context, after pglogrepl.LSN, limit int) (feed.Batch, error) {
	var pending []protocol.Change
	for _, c := range f.items {
		v, err := lsn.Parse(c.LSN)
		if err != nil {
			return feed.Batch{}, err
		}
		if v > after {
			pending = append(pending, c)
		}
	}
	b := feed.Batch{Items: pending}
	if len(pending) > limit {
		b.Items = pending[:limit]
		b.HasMore = true
	}
	return b, nil
}

func (f *fakeFeed) CurrentServerLSN(context.Context) (pglogrepl.LSN, error) {
	return f.serverLSN, nil
}

// fakePager pages fixed in-memory tables by string id.
type fakePager struct {
	rows map[string][]map[string]any
}

func (p *fakePager) Next(_ context.Context, table, afterID string, limit int) (tables.Page, error) {
	all := append([]map[string]any(nil), p.rows[table]...)
	sort.Slice(all, func(i, j int) bool {
		return fmt.Sprintf("%v", all[i]["id"]) < fmt.Sprintf("%v", all[j]["id"])
	})

	var pending []map[string]any
	for _, row := range all {
		if afterID == "" || fmt.Sprintf("%v", row["id"]) > afterID {
			pending = append(pending, row)
		}
	}

	page := tables.Page{Rows: pending}
	if len(pending) > limit {
		page.Rows = pending[:limit]
		page.HasMore = true
	}
	if n := len(page.Rows); n > 0 {
		page.NextAfterID = fmt.Sprintf("%v", page.Rows[n-1]["id"])
	}
	return page, nil
}

func (p *fakePager) Count(_ context.Context, table string) (int64, error) {
	return int64(len(p.rows[table])), nil
}

// fakeApplier returns a canned result and records its input.
type fakeApplier struct {
	mu      sync.Mutex
	result  apply.Result
	batches [][]protocol.Change
}

func (a *fakeApplier) Apply(_ context.Context, changes []protocol.Change) apply.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, changes)
	res := a.result
	if res.AppliedIDs == nil {
		res.AppliedIDs = protocol.IDs(changes)
		res.Applied = len(changes)
	}
	return res
}

// clientFrame builds a parsed inbound frame the way a client would send it.
func clientFrame(t protocol.Type, clientID string, payload any) protocol.Frame {
	data, err := protocol.Build(t, clientID, payload)
	if err != nil {
		panic(err)
	}
	f, err := protocol.Parse(data)
	if err != nil {
		panic(err)
	}
	return f
}

func mustLSN(s string) pglogrepl.LSN {
	v, err := lsn.Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}
