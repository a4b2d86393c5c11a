package storage

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage/internal/queue"
	"github.com/google/uuid"
)

// Operation is the kind of a change event.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ChangeEvent describes one committed document write.
type ChangeEvent struct {
	Operation            Operation       `json:"operation"`
	DocumentID           string          `json:"documentId"`
	DocumentData         schema.Document `json:"documentData"`
	PreviousDocumentData schema.Document `json:"previousDocumentData,omitempty"`
}

// EventBulk is published once per BulkWrite with at least one event.
// Checkpoint is the checkpoint of the last write of the bulk.
type EventBulk struct {
	ID         string        `json:"id"`
	Events     []ChangeEvent `json:"events"`
	Checkpoint Checkpoint    `json:"checkpoint"`
	Context    string        `json:"context"`
	StartTime  time.Time     `json:"startTime"`
	EndTime    time.Time     `json:"endTime"`
}

// changeEvent classifies a write. Writing an already deleted document again
// (or inserting a deleted one) produces no event.
func changeEvent(id string, prev, doc schema.Document) *ChangeEvent {
	prevLive := prev != nil && !prev.Deleted()
	var op Operation
	switch {
	case doc.Deleted() && !prevLive:
		return nil
	case doc.Deleted():
		op = OperationDelete
	case !prevLive:
		op = OperationInsert
	default:
		op = OperationUpdate
	}
	ev := &ChangeEvent{Operation: op, DocumentID: id, DocumentData: doc}
	if prevLive {
		ev.PreviousDocumentData = prev
	}
	return ev
}

// Subscription receives the event bulks of one instance. The change stream
// is best effort; GetChangedDocumentsSince is the source of truth.
type Subscription struct {
	id     string
	inst   *Instance
	events *queue.Queue[EventBulk]
	once   sync.Once
}

// ChangeStream subscribes to the event bulks written after this call.
func (i *Instance) ChangeStream() (*Subscription, error) {
	if err := i.ready(); err != nil {
		return nil, err
	}
	sub := &Subscription{
		id:     uuid.NewString(),
		inst:   i,
		events: queue.New[EventBulk](),
	}
	i.subscribers.Store(sub.id, sub)
	if err := i.ready(); err != nil {
		// closed concurrently, release may have missed the subscription
		sub.Cancel()
		return nil, err
	}
	return sub, nil
}

func (s *Subscription) ID() string { return s.id }

// Events delivers the event bulks. It is closed after Cancel or when the instance closes.
func (s *Subscription) Events() <-chan EventBulk {
	return s.events.Recv()
}

// Cancel ends the subscription and drops undelivered events.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.inst.subscribers.Delete(s.id)
		s.events.Cancel()
	})
}

func (i *Instance) publish(bulk EventBulk) {
	i.subscribers.Range(func(_ string, sub *Subscription) bool {
		sub.events.Push(bulk)
		return true
	})
}
