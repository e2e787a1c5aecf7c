// Package progress is the non-durable progress fan-out for pipeline
// runs. Producers send updates keyed by upload ID; subscribers hold a
// channel with SSE semantics. Delivery is best effort: with no
// subscriber an update is dropped on the floor.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/pubsub"

	"github.com/smartcoreinc/localpkd/daemon/types"
)

// Stage identifies where in the pipeline an update was emitted.
type Stage string

const (
	StageUploadCompleted      Stage = "UPLOAD_COMPLETED"
	StageParsingStarted       Stage = "PARSING_STARTED"
	StageParsingInProgress    Stage = "PARSING_IN_PROGRESS"
	StageParsingCompleted     Stage = "PARSING_COMPLETED"
	StageValidationStarted    Stage = "VALIDATION_STARTED"
	StageValidationInProgress Stage = "VALIDATION_IN_PROGRESS"
	StageValidationCompleted  Stage = "VALIDATION_COMPLETED"
	StageDBSaving             Stage = "DB_SAVING_IN_PROGRESS"
	StageDBSavingCompleted    Stage = "DB_SAVING_COMPLETED"
	StageLDAPSaving           Stage = "LDAP_SAVING_IN_PROGRESS"
	StageLDAPSavingCompleted  Stage = "LDAP_SAVING_COMPLETED"
	StageCompleted            Stage = "COMPLETED"
	StageFailed               Stage = "FAILED"
)

// Update is one progress emission.
type Update struct {
	UploadID   uuid.UUID           `json:"uploadId"`
	Stage      Stage               `json:"stage"`
	Percentage int                 `json:"percentage"`
	Message    string              `json:"message,omitempty"`
	Counts     *types.UploadCounts `json:"counts,omitempty"`
	Time       time.Time           `json:"time"`
}

// Service fans updates out to per-upload subscribers and to a global
// stream. One publisher per upload ID, created lazily on subscribe or
// send, discarded when the last subscriber leaves.
type Service struct {
	mu         sync.Mutex
	publishers map[uuid.UUID]*pubsub.Publisher
	global     *pubsub.Publisher
}

const (
	publishTimeout = 100 * time.Millisecond
	subscriberBuf  = 1024
)

// NewService returns an empty progress Service.
func NewService() *Service {
	return &Service{
		publishers: make(map[uuid.UUID]*pubsub.Publisher),
		global:     pubsub.NewPublisher(publishTimeout, subscriberBuf),
	}
}

// Send publishes an update. Slow subscribers are skipped after the
// publish timeout rather than stalling the pipeline.
func (s *Service) Send(u Update) {
	if u.Time.IsZero() {
		u.Time = time.Now()
	}

	s.mu.Lock()
	p := s.publishers[u.UploadID]
	s.mu.Unlock()

	if p != nil {
		p.Publish(u)
	}
	s.global.Publish(u)
}

// Subscribe returns a channel of Update for one upload.
func (s *Service) Subscribe(id uuid.UUID) chan interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.publishers[id]
	if !ok {
		p = pubsub.NewPublisher(publishTimeout, subscriberBuf)
		s.publishers[id] = p
	}
	return p.Subscribe()
}

// Unsubscribe removes ch from the upload's publisher, dropping the
// publisher entirely once nobody listens.
func (s *Service) Unsubscribe(id uuid.UUID, ch chan interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.publishers[id]
	if !ok {
		return
	}
	p.Evict(ch)
	if p.Len() == 0 {
		delete(s.publishers, id)
	}
}

// SubscribeAll returns a channel receiving every update from every
// upload; this backs the /progress/stream endpoint.
func (s *Service) SubscribeAll() chan interface{} {
	return s.global.Subscribe()
}

// UnsubscribeAll removes a global subscriber.
func (s *Service) UnsubscribeAll(ch chan interface{}) {
	s.global.Evict(ch)
}
