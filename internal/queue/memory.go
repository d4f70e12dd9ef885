package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// MemoryQueue is an in-process Queue with SQS-like visibility: received
// messages stay hidden until deleted or released with ExpireVisibility.
type MemoryQueue struct {
	mu       sync.Mutex
	seq      int
	messages []*memoryMessage
}

type memoryMessage struct {
	Message
	inFlight bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Send(_ context.Context, body []byte, attributes map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := fmt.Sprintf("msg-%d", q.seq)
	q.messages = append(q.messages, &memoryMessage{Message: Message{
		ID:         id,
		Body:       string(body),
		Attributes: lo.Assign(attributes),
	}})
	return id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max, _ int32) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Message
	for _, m := range q.messages {
		if int32(len(out)) >= max {
			break
		}
		if m.inFlight {
			continue
		}
		q.seq++
		m.inFlight = true
		m.ReceiveCount++
		m.ReceiptHandle = fmt.Sprintf("%s-rh-%d", m.ID, q.seq)
		out = append(out, m.Message)
	}
	return out, nil
}

func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, idx, ok := lo.FindIndexOf(q.messages, func(m *memoryMessage) bool {
		return m.ReceiptHandle == receiptHandle
	})
	if !ok {
		return fmt.Errorf("receipt handle %q is not valid", receiptHandle)
	}
	q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
	return nil
}

// ExpireVisibility makes every in-flight message receivable again.
func (q *MemoryQueue) ExpireVisibility() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		m.inFlight = false
	}
}

// Len counts messages not yet deleted, in flight or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Bodies returns the bodies of every message not yet deleted.
func (q *MemoryQueue) Bodies() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return lo.Map(q.messages, func(m *memoryMessage, _ int) string { return m.Body })
}

// Messages returns a snapshot of every message not yet deleted.
func (q *MemoryQueue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return lo.Map(q.messages, func(m *memoryMessage, _ int) Message { return m.Message })
}
