package kducer

import (
	"context"
	"testing"
	"time"
)

func TestCommandQueueFIFO(t *testing.T) {
	var q commandQueue

	if q.peek() != nil {
		t.Error("peek on empty queue must return nil")
	}
	q.pop() // must not panic

	a := newCommand(context.Background(), cmdSelectProgram)
	b := newCommand(context.Background(), cmdRunTool)
	c := newCommand(context.Background(), cmdSendBarcode)
	q.push(a)
	q.push(b)
	q.push(c)

	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}
	// peek does not remove.
	if q.peek() != a || q.peek() != a {
		t.Error("peek must keep returning the front command")
	}
	q.pop()
	if q.peek() != b {
		t.Error("expected b at the front after one pop")
	}
	q.pop()
	if q.peek() != c {
		t.Error("expected c at the front after two pops")
	}
	q.pop()
	if q.peek() != nil || q.len() != 0 {
		t.Error("queue must be empty after three pops")
	}
}

func TestCommandComplete(t *testing.T) {
	cmd := newCommand(context.Background(), cmdEnableTool)

	select {
	case <-cmd.done:
		t.Fatal("done closed before completion")
	default:
	}

	cmd.complete(ErrNotConnected)

	select {
	case <-cmd.done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after completion")
	}
	if cmd.err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", cmd.err)
	}
}

func TestResultQueue(t *testing.T) {
	var q resultQueue

	if _, ok := q.tryPop(); ok {
		t.Error("tryPop on empty queue must report false")
	}

	first := ResultEvent{Raw: []byte{1}, Timestamp: time.Now()}
	second := ResultEvent{Raw: []byte{2}, Timestamp: time.Now()}
	q.push(first)
	q.push(second)

	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}
	ev, ok := q.tryPop()
	if !ok || ev.Raw[0] != 1 {
		t.Errorf("first pop = %v %v, want raw [1]", ev.Raw, ok)
	}
	ev, ok = q.tryPop()
	if !ok || ev.Raw[0] != 2 {
		t.Errorf("second pop = %v %v, want raw [2]", ev.Raw, ok)
	}

	q.push(first)
	q.clear()
	if q.len() != 0 {
		t.Error("clear must empty the queue")
	}
}

func TestCommandKindStrings(t *testing.T) {
	kinds := []commandKind{
		cmdSelectProgram, cmdGetActiveProgram, cmdSelectSequence, cmdGetActiveSequence,
		cmdEnableTool, cmdDisableTool, cmdRunTool,
		cmdSendProgramData, cmdGetProgramData, cmdSendSequenceData, cmdGetSequenceData,
		cmdSendSettingsData, cmdGetSettingsData, cmdSendBarcode,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		if s == "" || s == "unknown" {
			t.Errorf("kind %d has no name", k)
		}
		if seen[s] {
			t.Errorf("kind name %q reused", s)
		}
		seen[s] = true
	}
	if commandKind(99).String() != "unknown" {
		t.Error("out-of-range kind must stringify as unknown")
	}
}
