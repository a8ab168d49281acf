package events

import (
	"sync"

	"dexcore/internal/state"
)

// Sink receives committed logs. HandleLog runs while the state lock is held
// and must not call back into the engine.
type Sink interface {
	HandleLog(l Log)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(l Log)

func (f SinkFunc) HandleLog(l Log) { f(l) }

// Bus buffers logs emitted inside a call and delivers them to every sink
// once the call commits. Logs from reverted calls are never delivered.
type Bus struct {
	db *state.DB

	mu        sync.RWMutex
	sinks     []Sink
	lastBlock uint64
	nextIndex uint
}

// NewBus creates a bus bound to db.
func NewBus(db *state.DB) *Bus {
	return &Bus{db: db}
}

// Subscribe registers s for every future committed log.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit schedules l for delivery when the current call commits.
func (b *Bus) Emit(l Log) {
	b.db.OnCommit(func() {
		b.deliver(l)
	})
}

func (b *Bus) deliver(l Log) {
	b.mu.Lock()
	block := b.db.Height()
	if block != b.lastBlock {
		b.lastBlock = block
		b.nextIndex = 0
	}
	l.BlockNumber = block
	l.Index = b.nextIndex
	b.nextIndex++
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, s := range sinks {
		s.HandleLog(l)
	}
}

// Recorder is a Sink that keeps every log it receives.
type Recorder struct {
	mu   sync.Mutex
	logs []Log
}

func (r *Recorder) HandleLog(l Log) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
}

// Logs returns a copy of the recorded logs.
func (r *Recorder) Logs() []Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Log, len(r.logs))
	copy(out, r.logs)
	return out
}
