package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func recv(t *testing.T, ch chan interface{}) Update {
	t.Helper()
	select {
	case v := <-ch:
		u, ok := v.(Update)
		assert.Check(t, ok, "unexpected message type %T", v)
		return u
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update")
		return Update{}
	}
}

func TestSendReachesUploadAndGlobalSubscribers(t *testing.T) {
	s := NewService()
	id := uuid.New()

	perUpload := s.Subscribe(id)
	defer s.Unsubscribe(id, perUpload)
	global := s.SubscribeAll()
	defer s.UnsubscribeAll(global)

	s.Send(Update{UploadID: id, Stage: StageParsingInProgress, Percentage: 40})

	u := recv(t, perUpload)
	assert.Check(t, is.Equal(u.Stage, StageParsingInProgress))
	assert.Check(t, is.Equal(u.Percentage, 40))
	assert.Check(t, !u.Time.IsZero())

	g := recv(t, global)
	assert.Check(t, is.Equal(g.UploadID, id))
}

func TestSendWithoutSubscribersIsDropped(t *testing.T) {
	s := NewService()
	// must not block or panic
	s.Send(Update{UploadID: uuid.New(), Stage: StageCompleted, Percentage: 100})
}

func TestUnsubscribeDropsPublisher(t *testing.T) {
	s := NewService()
	id := uuid.New()
	ch := s.Subscribe(id)
	s.Unsubscribe(id, ch)

	s.mu.Lock()
	_, ok := s.publishers[id]
	s.mu.Unlock()
	assert.Check(t, !ok)
}

func TestUpdatesAreScopedToUpload(t *testing.T) {
	s := NewService()
	a, b := uuid.New(), uuid.New()

	chA := s.Subscribe(a)
	defer s.Unsubscribe(a, chA)
	chB := s.Subscribe(b)
	defer s.Unsubscribe(b, chB)

	s.Send(Update{UploadID: a, Stage: StageValidationStarted})

	u := recv(t, chA)
	assert.Check(t, is.Equal(u.UploadID, a))

	select {
	case v := <-chB:
		t.Fatalf("subscriber for other upload received %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}
