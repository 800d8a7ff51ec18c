package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/processor"
	"github.com/loqalabs/loqa-narrate/internal/protocol"
)

// Publisher sends progress messages. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// progress tracks a run for observers: the bus, the heartbeat and the
// progress gauge.
type progress struct {
	runID string
	pub   Publisher
	log   *slog.Logger

	total atomic.Int64
	done  atomic.Int64

	mu    sync.Mutex
	state State

	heartbeat *time.Ticker
	cancel    context.CancelFunc
	stopped   chan struct{}
}

func newProgress(runID string, pub Publisher, log *slog.Logger) *progress {
	return &progress{runID: runID, pub: pub, log: log, state: StateInitialized}
}

func (p *progress) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *progress) currentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// fraction is the share of chunks that reached a terminal status.
func (p *progress) fraction() float64 {
	total := p.total.Load()
	if total == 0 {
		if p.currentState().Terminal() {
			return 1
		}
		return 0
	}
	return float64(p.done.Load()) / float64(total)
}

func (p *progress) startHeartbeat(ctx context.Context, interval time.Duration) {
	if p.pub == nil || interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.heartbeat = time.NewTicker(interval)
	p.stopped = make(chan struct{})
	go p.runHeartbeat(ctx)
}

func (p *progress) runHeartbeat(ctx context.Context) {
	defer close(p.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.heartbeat.C:
			p.publish(protocol.HeartbeatSubject(p.runID), protocol.Heartbeat{
				RunID:     p.runID,
				State:     string(p.currentState()),
				Done:      int(p.done.Load()),
				Total:     int(p.total.Load()),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (p *progress) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.heartbeat.Stop()
	<-p.stopped
	p.cancel = nil
}

func (p *progress) publishState(msg protocol.RunState) {
	msg.RunID = p.runID
	msg.Timestamp = time.Now().UTC()
	p.publish(protocol.SubjectRunState, msg)
}

func (p *progress) publishChunk(art processor.Artifact) {
	msg := protocol.ChunkStatus{
		RunID:      p.runID,
		ChunkIndex: art.ChunkIndex,
		Status:     string(art.Status),
		Attempts:   art.Attempts,
		Reused:     art.Reused,
		Fallback:   art.Fallback,
		Elapsed:    art.Duration,
		Timestamp:  time.Now().UTC(),
	}
	if art.Err != nil {
		msg.Error = art.Err.Error()
	}
	p.publish(protocol.SubjectChunkStatus, msg)
}

func (p *progress) publish(subject string, v any) {
	if p.pub == nil {
		return
	}
	if err := p.pub.PublishJSON(subject, v); err != nil {
		p.log.Warn("failed to publish progress", slog.String("subject", subject), slogError(err))
	}
}
