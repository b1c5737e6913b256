package kducer

import (
	"context"
	"sync"
)

// commandKind enumerates the foreground operations the poll loop executes.
type commandKind int

const (
	cmdSelectProgram commandKind = iota
	cmdGetActiveProgram
	cmdSelectSequence
	cmdGetActiveSequence
	cmdEnableTool
	cmdDisableTool
	cmdRunTool
	cmdSendProgramData
	cmdGetProgramData
	cmdSendSequenceData
	cmdGetSequenceData
	cmdSendSettingsData
	cmdGetSettingsData
	cmdSendBarcode
)

func (k commandKind) String() string {
	switch k {
	case cmdSelectProgram:
		return "select_program"
	case cmdGetActiveProgram:
		return "get_active_program"
	case cmdSelectSequence:
		return "select_sequence"
	case cmdGetActiveSequence:
		return "get_active_sequence"
	case cmdEnableTool:
		return "enable_tool"
	case cmdDisableTool:
		return "disable_tool"
	case cmdRunTool:
		return "run_tool"
	case cmdSendProgramData:
		return "send_program_data"
	case cmdGetProgramData:
		return "get_program_data"
	case cmdSendSequenceData:
		return "send_sequence_data"
	case cmdGetSequenceData:
		return "get_sequence_data"
	case cmdSendSettingsData:
		return "send_settings_data"
	case cmdGetSettingsData:
		return "get_settings_data"
	case cmdSendBarcode:
		return "send_barcode"
	default:
		return "unknown"
	}
}

// command is a single-use hand-off between one foreground caller and the
// poll loop. The caller fills the input fields and waits on done; the loop
// writes out/value/err exactly once and closes done exactly once.
type command struct {
	kind commandKind
	ctx  context.Context

	number    uint16 // program or sequence selector
	payload   []byte // opaque blob for data writes, encoded barcode
	permanent bool   // also commit to permanent memory

	out   []byte
	value uint16
	err   error
	done  chan struct{}
}

func newCommand(ctx context.Context, kind commandKind) *command {
	return &command{
		kind: kind,
		ctx:  ctx,
		done: make(chan struct{}),
	}
}

// complete finishes the command. Loop-only; must be called at most once.
func (c *command) complete(err error) {
	c.err = err
	close(c.done)
}

// commandQueue is the FIFO hand-off from any number of foreground callers to
// the poll loop. The loop peeks before executing and pops only after the
// command completed, so a command interrupted by a transport failure stays
// at the front and re-executes once the link is back.
type commandQueue struct {
	mu   sync.Mutex
	cmds []*command
}

func (q *commandQueue) push(cmd *command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cmds = append(q.cmds, cmd)
}

func (q *commandQueue) peek() *command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.cmds) == 0 {
		return nil
	}
	return q.cmds[0]
}

func (q *commandQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.cmds) > 0 {
		q.cmds[0] = nil
		q.cmds = q.cmds[1:]
	}
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cmds)
}

// resultQueue is the FIFO hand-off of tightening results from the poll loop
// to any number of consumers. Events are only removed by an explicit dequeue
// or clear.
type resultQueue struct {
	mu     sync.Mutex
	events []ResultEvent
}

func (q *resultQueue) push(ev ResultEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

func (q *resultQueue) tryPop() (ResultEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return ResultEvent{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

func (q *resultQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *resultQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = nil
}
