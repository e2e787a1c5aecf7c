// Package events implements the in-process domain event bus that
// drives the pipeline. Producers never publish directly: events are
// collected on the unit of work and handed to the bus only after the
// producing transaction commits, so handlers always observe the rows
// the producer wrote. Delivery runs on a bounded pool; a saturated
// pool blocks publishers, which is the pipeline's backpressure.
package events

import (
	"context"
	"sync"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/smartcoreinc/localpkd/daemon/types"
)

// Event is a domain event. Name identifies the handler set; Upload
// ties the event to its pipeline instance.
type Event interface {
	Name() string
	Upload() uuid.UUID
}

// FileUploaded fires after an upload record is committed.
type FileUploaded struct {
	UploadID uuid.UUID
	Mode     types.ProcessingMode
}

func (FileUploaded) Name() string        { return "file-uploaded" }
func (e FileUploaded) Upload() uuid.UUID { return e.UploadID }

// ParsingCompleted carries the extracted value objects to validation.
// Certificates are value objects only; nothing is persisted yet.
type ParsingCompleted struct {
	UploadID    uuid.UUID
	Mode        types.ProcessingMode
	Certs       []types.CertValue
	CRLs        []types.CRLValue
	MasterList  *types.MasterList
	ParseErrors []types.ParseError
}

func (ParsingCompleted) Name() string        { return "parsing-completed" }
func (e ParsingCompleted) Upload() uuid.UUID { return e.UploadID }

// ValidationCompleted fires after the validation stage finishes. In
// MANUAL mode this is a pause point; in AUTO mode publication already
// happened batch-interleaved and the handler only closes the record.
type ValidationCompleted struct {
	UploadID uuid.UUID
	Mode     types.ProcessingMode
}

func (ValidationCompleted) Name() string        { return "validation-completed" }
func (e ValidationCompleted) Upload() uuid.UUID { return e.UploadID }

// PipelineFailed fires when a stage fails unrecoverably.
type PipelineFailed struct {
	UploadID uuid.UUID
	Stage    types.UploadStatus
	Err      string
}

func (PipelineFailed) Name() string        { return "pipeline-failed" }
func (e PipelineFailed) Upload() uuid.UUID { return e.UploadID }

// Handler consumes one event. Handlers re-read their aggregates by ID;
// events carry identifiers and value objects, never live entities.
type Handler func(ctx context.Context, ev Event)

// Bus fans events out to registered handlers on a bounded worker pool.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewBus returns a Bus whose handlers run on at most workers
// goroutines.
func NewBus(workers int) *Bus {
	if workers < 1 {
		workers = 1
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		sem:      semaphore.NewWeighted(int64(workers)),
	}
}

// Subscribe registers a handler for the named event. Registration is
// expected at startup, before any Publish.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], h)
	b.mu.Unlock()
}

// Publish delivers ev to every subscribed handler asynchronously.
// Publish blocks while the worker pool is saturated; that blocking is
// deliberate and propagates backpressure to the producer.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	hs := b.handlers[ev.Name()]
	b.mu.RUnlock()

	for _, h := range hs {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			log.G(ctx).WithError(err).WithField("event", ev.Name()).Warn("event dropped: bus shutting down")
			return
		}
		b.wg.Add(1)
		h := h
		go func() {
			defer b.sem.Release(1)
			defer b.wg.Done()
			h(context.WithoutCancel(ctx), ev)
		}()
	}
}

// Wait blocks until all in-flight handlers return. Used on shutdown.
func (b *Bus) Wait() {
	b.wg.Wait()
}
