package kducer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics receives operational counters from the session. Implementations
// can forward them to whatever backend the plant floor uses; the interface
// is called from the poll loop, so implementations must be cheap.
type Metrics interface {
	ConnectionAttempts()
	ConnectionSuccesses()
	ConnectionFailures()
	Reconnections()

	CommandCompleted(kind string, duration time.Duration, err error)
	ResultReceived()
	ErrorOccurred(operation string)
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionAttempts()                                            {}
func (n *noopMetrics) ConnectionSuccesses()                                           {}
func (n *noopMetrics) ConnectionFailures()                                            {}
func (n *noopMetrics) Reconnections()                                                 {}
func (n *noopMetrics) CommandCompleted(kind string, duration time.Duration, err error) {}
func (n *noopMetrics) ResultReceived()                                                {}
func (n *noopMetrics) ErrorOccurred(operation string)                                 {}

// DefaultMetrics is the no-op collector used when none is configured.
var DefaultMetrics Metrics = &noopMetrics{}

// InMemoryMetrics is a simple in-process collector, mainly for tests and
// debugging sessions on the bench.
type InMemoryMetrics struct {
	mu sync.Mutex

	ConnectionAttemptsCount  atomic.Int64
	ConnectionSuccessesCount atomic.Int64
	ConnectionFailuresCount  atomic.Int64
	ReconnectionsCount       atomic.Int64
	ResultsReceivedCount     atomic.Int64

	commandCounts map[string]int64
	commandErrors map[string]int64
	errorCounts   map[string]int64
}

// NewInMemoryMetrics creates an empty in-memory collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		commandCounts: make(map[string]int64),
		commandErrors: make(map[string]int64),
		errorCounts:   make(map[string]int64),
	}
}

func (m *InMemoryMetrics) ConnectionAttempts()  { m.ConnectionAttemptsCount.Add(1) }
func (m *InMemoryMetrics) ConnectionSuccesses() { m.ConnectionSuccessesCount.Add(1) }
func (m *InMemoryMetrics) ConnectionFailures()  { m.ConnectionFailuresCount.Add(1) }
func (m *InMemoryMetrics) Reconnections()       { m.ReconnectionsCount.Add(1) }
func (m *InMemoryMetrics) ResultReceived()      { m.ResultsReceivedCount.Add(1) }

func (m *InMemoryMetrics) CommandCompleted(kind string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandCounts[kind]++
	if err != nil {
		m.commandErrors[kind]++
	}
}

func (m *InMemoryMetrics) ErrorOccurred(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCounts[operation]++
}

// CommandCount returns how many commands of the given kind completed.
func (m *InMemoryMetrics) CommandCount(kind string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commandCounts[kind]
}

// CommandErrorCount returns how many commands of the given kind failed.
func (m *InMemoryMetrics) CommandErrorCount(kind string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commandErrors[kind]
}
