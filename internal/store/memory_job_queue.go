package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/signplane/internal/models"
)

const defaultMemoryVisibilityTimeout = 5 * time.Minute

type memoryMessage struct {
	id             string
	body           []byte
	receipt        string
	receiveCount   int
	invisibleUntil time.Time
}

// MemoryJobQueue implements JobQueue in memory with SQS-like visibility semantics:
// a received message is hidden until deleted or until the visibility timeout
// lapses, after which it is delivered again.
type MemoryJobQueue struct {
	mu         sync.Mutex
	visibility time.Duration
	messages   []*memoryMessage
	wake       chan struct{}
}

var _ JobQueue = (*MemoryJobQueue)(nil)

// NewMemoryJobQueue creates an in-memory queue. A zero visibility uses five minutes.
func NewMemoryJobQueue(visibility time.Duration) *MemoryJobQueue {
	if visibility <= 0 {
		visibility = defaultMemoryVisibilityTimeout
	}
	return &MemoryJobQueue{
		visibility: visibility,
		wake:       make(chan struct{}),
	}
}

// Enqueue adds a job to the tail of the queue
func (q *MemoryJobQueue) Enqueue(_ context.Context, job models.ProvisioningJob) (string, error) {
	body, err := job.MarshalJSON()
	if err != nil {
		return "", err
	}
	return q.EnqueueRaw(body), nil
}

// EnqueueRaw adds an arbitrary body, used to exercise poison message handling.
func (q *MemoryJobQueue) EnqueueRaw(body []byte) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.Must(uuid.NewV7()).String()
	q.messages = append(q.messages, &memoryMessage{id: id, body: slices.Clone(body)})

	close(q.wake)
	q.wake = make(chan struct{})

	return id
}

// Receive returns up to maxMessages visible messages, waiting up to wait for one to arrive
func (q *MemoryJobQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)

	for {
		q.mu.Lock()
		msgs, nextVisible := q.takeLocked(max(1, maxMessages))
		wake := q.wake
		q.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		sleep := time.Until(deadline)
		if sleep <= 0 {
			return nil, nil
		}
		if !nextVisible.IsZero() {
			sleep = min(sleep, time.Until(nextVisible))
		}

		timer := time.NewTimer(max(sleep, time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// takeLocked claims visible messages and reports when the next hidden one reappears.
func (q *MemoryJobQueue) takeLocked(maxMessages int) ([]Message, time.Time) {
	now := time.Now()
	var (
		msgs        []Message
		nextVisible time.Time
	)

	for _, m := range q.messages {
		if now.Before(m.invisibleUntil) {
			if nextVisible.IsZero() || m.invisibleUntil.Before(nextVisible) {
				nextVisible = m.invisibleUntil
			}
			continue
		}
		if len(msgs) == maxMessages {
			break
		}

		m.receiveCount++
		m.receipt = uuid.NewString()
		m.invisibleUntil = now.Add(q.visibility)

		if m.receiveCount > 1 {
			log.Debug().Str("message_id", m.id).Int("receive_count", m.receiveCount).Msg("redelivering message")
		}

		msgs = append(msgs, Message{
			ID:            m.id,
			ReceiptHandle: m.receipt,
			Body:          slices.Clone(m.body),
			ReceiveCount:  m.receiveCount,
		})
	}

	return msgs, nextVisible
}

// Delete removes a message if the receipt is from its latest delivery
func (q *MemoryJobQueue) Delete(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.messages {
		if m.id == msg.ID && m.receipt == msg.ReceiptHandle && msg.ReceiptHandle != "" {
			q.messages = slices.Delete(q.messages, i, i+1)
			return nil
		}
	}

	return ErrReceiptInvalid
}

// Len returns the number of messages not yet deleted, visible or not
func (q *MemoryJobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
