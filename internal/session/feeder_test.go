package session

import (
	"context"
	"testing"
	"time"

	"github.com/jfoltran/tablesync/internal/apply"
	"github.com/jfoltran/tablesync/internal/protocol"
)

func TestFeedPass_ShipsPendingAndAdvances(t *testing.T) {
	tr := &fakeTransport{}
	st := newFakeStore()
	st.lsns["c1"] = mustLSN("0/10")
	fd := &fakeFeed{
		serverLSN: mustLSN("0/14"),
		items: []protocol.Change{
			feedChange("task", protocol.OpInsert, "t1", "0/11"),
			feedChange("user", protocol.OpUpdate, "u1", "0/12"),
			feedChange("task", protocol.OpDelete, "t2", "0/13"),
			feedChange("project", protocol.OpDelete, "p1", "0/14"),
		},
	}
	a := newTestActor(tr, st, fd, &fakePager{}, &fakeApplier{})
	autoAck(tr, a.corr)

	sent, err := a.feedPass(context.Background())
	if err != nil {
		t.Fatalf("feedPass() error = %v", err)
	}
	if sent != 4 {
		t.Errorf("feedPass() sent = %d, want 4", sent)
	}

	frames := tr.sentOfType(protocol.TypeSendChanges)
	if len(frames) != 2 {
		t.Fatalf("sent %d srv_send_changes, want 2 (chunk size 3)", len(frames))
	}
	if frames[0]["lastLSN"] != "0/13" {
		t.Errorf("first batch lastLSN = %v, want 0/13", frames[0]["lastLSN"])
	}

	// Hierarchy order inside the first batch: upserts parents-first, then
	// deletes children-first.
	changes := frames[0]["changes"].([]any)
	var ids []string
	for _, c := range changes {
		ids = append(ids, c.(map[string]any)["data"].(map[string]any)["id"].(string))
	}
	want := []string{"u1", "t1", "t2"}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("batch[0] order = %v, want %v", ids, want)
			break
		}
	}

	if got, _ := st.ClientLSN(context.Background(), "c1"); got != mustLSN("0/14") {
		t.Errorf("stored clientLSN = %s, want 0/14", got)
	}
}

func TestFeedPass_DedupesWithinBatch(t *testing.T) {
	tr := &fakeTransport{}
	st := newFakeStore()
	older := feedChange("task", protocol.OpUpdate, "t1", "0/11")
	newer := feedChange("task", protocol.OpUpdate, "t1", "0/12")
	newer.UpdatedAt = older.UpdatedAt.Add(time.Minute)
	newer.Data = map[string]any{"id": "t1", "title": "latest"}
	fd := &fakeFeed{serverLSN: mustLSN("0/12"), items: []protocol.Change{older, newer}}
	a := newTestActor(tr, st, fd, &fakePager{}, &fakeApplier{})
	autoAck(tr, a.corr)

	if _, err := a.feedPass(context.Background()); err != nil {
		t.Fatalf("feedPass() error = %v", err)
	}

	frames := tr.sentOfType(protocol.TypeSendChanges)
	if len(frames) != 1 {
		t.Fatalf("sent %d batches, want 1", len(frames))
	}
	changes := frames[0]["changes"].([]any)
	if len(changes) != 1 {
		t.Fatalf("batch carries %d changes, want 1 after dedup", len(changes))
	}
	data := changes[0].(map[string]any)["data"].(map[string]any)
	if data["title"] != "latest" {
		t.Errorf("surviving change data = %v, want the newer row", data)
	}
	// Progress covers the dropped duplicate's LSN too.
	if got, _ := st.ClientLSN(context.Background(), "c1"); got != mustLSN("0/12") {
		t.Errorf("stored clientLSN = %s, want 0/12", got)
	}
}

func TestFeedPass_NothingPending(t *testing.T) {
	tr := &fakeTransport{}
	st := newFakeStore()
	st.lsns["c1"] = mustLSN("0/16")
	fd := &fakeFeed{serverLSN: mustLSN("0/16")}
	a := newTestActor(tr, st, fd, &fakePager{}, &fakeApplier{})

	sent, err := a.feedPass(context.Background())
	if err != nil {
		t.Fatalf("feedPass() error = %v", err)
	}
	if sent != 0 || len(tr.sent()) != 0 {
		t.Errorf("idle feedPass sent %d changes, %d frames", sent, len(tr.sent()))
	}
}

func TestRunCatchup_DrainsThenGoesLive(t *testing.T) {
	tr := &fakeTransport{}
	st := newFakeStore()
	st.lsns["c1"] = mustLSN("0/10")
	fd := &fakeFeed{
		serverLSN: mustLSN("0/12"),
		items: []protocol.Change{
			feedChange("task", protocol.OpInsert, "t1", "0/11"),
			feedChange("task", protocol.OpInsert, "t2", "0/12"),
		},
	}
	a := newTestActor(tr, st, fd, &fakePager{}, &fakeApplier{})
	autoAck(tr, a.corr)

	if err := a.runCatchup(context.Background()); err != nil {
		t.Fatalf("runCatchup() error = %v", err)
	}

	states := tr.sentOfType(protocol.TypeStateChange)
	if len(states) != 2 {
		t.Fatalf("sent %d state changes, want 2", len(states))
	}
	if states[0]["state"] != string(protocol.PhaseCatchup) || states[1]["state"] != string(protocol.PhaseLive) {
		t.Errorf("state sequence = %v, %v", states[0]["state"], states[1]["state"])
	}
	if states[1]["lsn"] != "0/12" {
		t.Errorf("live state lsn = %v, want 0/12", states[1]["lsn"])
	}
	if phase, _ := st.Phase(context.Background(), "c1"); phase != protocol.PhaseLive {
		t.Errorf("stored phase = %s, want LIVE", phase)
	}
}

func TestHandleClientChanges_AppliesAndReplies(t *testing.T) {
	tr := &fakeTransport{}
	st := newFakeStore()
	st.lsns["c1"] = mustLSN("0/16")
	fd := &fakeFeed{serverLSN: mustLSN("0/16")}
	ap := &fakeApplier{}
	a := newTestActor(tr, st, fd, &fakePager{}, ap)
	autoAck(tr, a.corr)

	older := feedChange("task", protocol.OpUpdate, "t1", "")
	newer := feedChange("task", protocol.OpUpdate, "t1", "")
	newer.UpdatedAt = older.UpdatedAt.Add(time.Minute)
	unknown := feedChange("mystery", protocol.OpInsert, "m1", "")

	frame := clientFrame(protocol.TypeClientChanges, "c1", protocol.ClientChanges{
		Changes: []protocol.Change{older, newer, unknown},
	})
	if err := a.handleClientChanges(context.Background(), frame); err != nil {
		t.Fatalf("handleClientChanges() error = %v", err)
	}

	if len(ap.batches) != 1 || len(ap.batches[0]) != 1 {
		t.Fatalf("applier batches = %v, want one batch of one change", ap.batches)
	}
	if ap.batches[0][0].UpdatedAt != newer.UpdatedAt {
		t.Error("applier saw the older duplicate, want the newer one")
	}

	received := tr.sentOfType(protocol.TypeChangesReceived)
	if len(received) != 1 {
		t.Fatalf("sent %d srv_changes_received, want 1", len(received))
	}
	applied := tr.sentOfType(protocol.TypeChangesApplied)
	if len(applied) != 1 || applied[0]["success"] != true {
		t.Fatalf("srv_changes_applied = %v", applied)
	}

	// Nothing pending in the feed, so a noop batch confirms liveness.
	noop := tr.sentOfType(protocol.TypeSendChanges)
	if len(noop) != 1 {
		t.Fatalf("sent %d srv_send_changes, want 1 noop", len(noop))
	}
	if noop[0]["lastLSN"] != "0/0" || len(noop[0]["changes"].([]any)) != 0 {
		t.Errorf("noop batch = %v", noop[0])
	}
}

func TestHandleClientChanges_ApplyFailureSkipsFeed(t *testing.T) {
	tr := &fakeTransport{}
	st := newFakeStore()
	fd := &fakeFeed{serverLSN: mustLSN("0/16")}
	ap := &fakeApplier{result: apply.Result{
		AppliedIDs: []string{"t1"},
		Skipped:    1,
		Err:        context.DeadlineExceeded,
	}}
	a := newTestActor(tr, st, fd, &fakePager{}, ap)

	frame := clientFrame(protocol.TypeClientChanges, "c1", protocol.ClientChanges{
		Changes: []protocol.Change{feedChange("task", protocol.OpUpdate, "t1", "")},
	})
	if err := a.handleClientChanges(context.Background(), frame); err != nil {
		t.Fatalf("handleClientChanges() error = %v", err)
	}

	applied := tr.sentOfType(protocol.TypeChangesApplied)
	if len(applied) != 1 || applied[0]["success"] != false {
		t.Fatalf("srv_changes_applied = %v, want success=false", applied)
	}
	if applied[0]["error"] == "" {
		t.Error("failure reply carries no error message")
	}
	if got := tr.sentOfType(protocol.TypeSendChanges); len(got) != 0 {
		t.Errorf("failed apply still triggered %d feed batches", len(got))
	}
}
