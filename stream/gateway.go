// Package stream implements the per-job event gateway: workers publish
// typed events, the gateway stamps each with a monotonically increasing
// sequence number, buffers a bounded window per job, and fans events out
// to subscribers. A reconnecting client replays from the buffer with
// after_seq; a client whose cursor fell out of the window gets a
// snapshot frame first so it can rebuild current state.
package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/types"
)

// SnapshotFunc produces the catch-up frame for a subscriber whose
// cursor predates the buffered window. Returning nil skips the frame.
type SnapshotFunc func(jobID string) *types.StreamEvent

// Options configures a Gateway.
type Options struct {
	// BufferSize is the per-job replay window; older events are trimmed.
	BufferSize int
	// SubscriberBuffer is each subscriber channel's capacity. A consumer
	// slower than this falls back to reconnect-and-replay.
	SubscriberBuffer int
	Snapshot         SnapshotFunc
	Logger           *zap.Logger
}

type jobStream struct {
	mu       sync.Mutex
	nextSeq  int64
	buffer   []types.StreamEvent
	firstSeq int64
	subs     map[int64]chan types.StreamEvent
	nextSub  int64
	closed   bool
}

// Gateway routes job events from workers to stream subscribers.
type Gateway struct {
	mu       sync.RWMutex
	jobs     map[string]*jobStream
	bufSize  int
	subBuf   int
	snapshot SnapshotFunc
	logger   *zap.Logger
}

// NewGateway creates a gateway.
func NewGateway(opts Options) *Gateway {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gateway{
		jobs:     make(map[string]*jobStream),
		bufSize:  opts.BufferSize,
		subBuf:   opts.SubscriberBuffer,
		snapshot: opts.Snapshot,
		logger:   opts.Logger.With(zap.String("component", "stream_gateway")),
	}
}

// SetSnapshot installs the snapshot hook after construction; the job
// manager registers itself here once it exists.
func (g *Gateway) SetSnapshot(fn SnapshotFunc) {
	g.mu.Lock()
	g.snapshot = fn
	g.mu.Unlock()
}

func (g *Gateway) snapshotFn() SnapshotFunc {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot
}

func (g *Gateway) stream(jobID string, create bool) *jobStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	js, ok := g.jobs[jobID]
	if !ok && create {
		js = &jobStream{
			nextSeq:  1,
			firstSeq: 1,
			subs:     make(map[int64]chan types.StreamEvent),
		}
		g.jobs[jobID] = js
	}
	return js
}

// Publish stamps the event with the job's next sequence number and
// delivers it to the buffer and every subscriber, in order. Publishing
// to a closed stream is dropped.
func (g *Gateway) Publish(jobID string, ev types.StreamEvent) {
	js := g.stream(jobID, true)

	js.mu.Lock()
	defer js.mu.Unlock()
	if js.closed {
		return
	}

	ev.JobID = jobID
	ev.Seq = js.nextSeq
	js.nextSeq++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	js.buffer = append(js.buffer, ev)
	if len(js.buffer) > g.bufSize {
		trim := len(js.buffer) - g.bufSize
		js.buffer = js.buffer[trim:]
		js.firstSeq += int64(trim)
	}

	for id, ch := range js.subs {
		select {
		case ch <- ev:
		default:
			// Full channel means a stalled consumer; drop it rather than
			// block the publisher. It reconnects and replays by seq.
			g.logger.Warn("dropping stalled stream subscriber",
				zap.String("job_id", jobID),
				zap.Int64("subscriber", id),
			)
			delete(js.subs, id)
			close(ch)
		}
	}
}

// Subscribe returns a channel of events for a job starting after the
// given sequence number. Buffered events past the cursor replay first;
// a cursor older than the window gets a snapshot frame before the
// replay. The channel closes when the stream is closed after a terminal
// event, when the context ends, or when the returned cancel runs.
func (g *Gateway) Subscribe(ctx context.Context, jobID string, afterSeq int64) (<-chan types.StreamEvent, func(), error) {
	js := g.stream(jobID, true)

	snapshot := g.snapshotFn()

	js.mu.Lock()
	var backlog []types.StreamEvent
	if afterSeq < js.firstSeq-1 && snapshot != nil {
		// Cursor fell out of the replay window. The frame stands in for
		// everything up to the window's start, so it carries that seq:
		// the client's cursor moves forward and the replay that follows
		// stays strictly increasing.
		if snap := snapshot(jobID); snap != nil {
			snap.JobID = jobID
			snap.Seq = js.firstSeq - 1
			backlog = append(backlog, *snap)
		}
	}
	for _, ev := range js.buffer {
		if ev.Seq > afterSeq {
			backlog = append(backlog, ev)
		}
	}
	closed := js.closed

	ch := make(chan types.StreamEvent, g.subBuf+len(backlog))
	for _, ev := range backlog {
		ch <- ev
	}
	if closed {
		close(ch)
		js.mu.Unlock()
		return ch, func() {}, nil
	}
	id := js.nextSub
	js.nextSub++
	js.subs[id] = ch
	js.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			js.mu.Lock()
			if sub, ok := js.subs[id]; ok {
				delete(js.subs, id)
				close(sub)
			}
			js.mu.Unlock()
		})
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}

// CloseJob ends the stream after its terminal event has been published:
// subscriber channels close once drained and late subscribers get the
// buffered replay followed by an immediate close.
func (g *Gateway) CloseJob(jobID string) {
	js := g.stream(jobID, false)
	if js == nil {
		return
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.closed {
		return
	}
	js.closed = true
	for id, ch := range js.subs {
		delete(js.subs, id)
		close(ch)
	}
}

// DropJob discards a job's stream state entirely, used by retention
// cleanup alongside job deletion.
func (g *Gateway) DropJob(jobID string) {
	g.CloseJob(jobID)
	g.mu.Lock()
	delete(g.jobs, jobID)
	g.mu.Unlock()
}

// LastSeq returns the highest sequence number published for a job, zero
// when nothing was published.
func (g *Gateway) LastSeq(jobID string) int64 {
	js := g.stream(jobID, false)
	if js == nil {
		return 0
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.nextSeq - 1
}
