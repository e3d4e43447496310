package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- Mock implementations ---

type mockTransport struct {
	mu    sync.Mutex
	errs  []error
	sent  []Message
	calls int
}

func (m *mockTransport) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, msg)
	return nil
}

type mockLog struct {
	mu       sync.Mutex
	entries  map[string]*LogEntry
	order    []string
	beginErr error
}

func newLog() *mockLog {
	return &mockLog{entries: make(map[string]*LogEntry)}
}

func (m *mockLog) Begin(_ context.Context, e *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return m.beginErr
	}
	e.ID = fmt.Sprintf("log-%d", len(m.order)+1)
	cp := *e
	m.entries[e.ID] = &cp
	m.order = append(m.order, e.ID)
	return nil
}

func (m *mockLog) Finish(_ context.Context, id string, status Outcome, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return errors.New("unknown entry")
	}
	e.Status, e.Error = status, errMsg
	return nil
}

func (m *mockLog) statuses() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Outcome, len(m.order))
	for i, id := range m.order {
		out[i] = m.entries[id].Status
	}
	return out
}

type queued struct {
	job Job
	due time.Time
}

type memQueue struct {
	mu    sync.Mutex
	items []queued
}

func (q *memQueue) Push(_ context.Context, job Job, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queued{job: job, due: due})
	sort.Slice(q.items, func(i, j int) bool { return q.items[i].due.Before(q.items[j].due) })
	return nil
}

func (q *memQueue) PopDue(_ context.Context, now time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].due.After(now) {
		return nil, nil
	}
	job := q.items[0].job
	q.items = q.items[1:]
	return &job, nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func testMessage() Message {
	return Message{
		OrderID:  "o1",
		To:       "thandi@example.com",
		Subject:  "Order Confirmation - PO1",
		Template: "order_confirmation",
		HTML:     "<p>Thanks</p>",
		Attachments: []Attachment{
			{Filename: "INV1.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.3")},
		},
	}
}

// --- Tests ---

func TestSend_Sent(t *testing.T) {
	transport := &mockTransport{}
	log := newLog()
	d := NewDispatcher(transport, log, nil, Options{})

	res := d.Send(context.Background(), testMessage())
	assert.Equal(t, OutcomeSent, res.Outcome)
	require.NoError(t, res.Err)
	require.Len(t, transport.sent, 1)
	assert.Equal(t, "INV1.pdf", transport.sent[0].Attachments[0].Filename)
	assert.Equal(t, []Outcome{OutcomeSent}, log.statuses())
}

func TestSend_SkippedWithoutTransport(t *testing.T) {
	log := newLog()
	d := NewDispatcher(nil, log, &memQueue{}, Options{MaxAttempts: 3})

	res := d.Send(context.Background(), testMessage())
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, []Outcome{OutcomeSkipped}, log.statuses())
}

func TestSend_SkippedWhenTransportUnconfigured(t *testing.T) {
	queue := &memQueue{}
	d := NewDispatcher(&mockTransport{errs: []error{ErrUnconfigured}}, nil, queue, Options{MaxAttempts: 3})

	res := d.Send(context.Background(), testMessage())
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Zero(t, queue.len(), "skipped messages are not retried")
}

func TestSend_FailedSchedulesRetry(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	queue := &memQueue{}
	log := newLog()
	d := NewDispatcher(&mockTransport{errs: []error{errors.New("smtp: 421 try later")}}, log, queue,
		Options{MaxAttempts: 3, Backoff: time.Minute})
	d.now = func() time.Time { return now }

	res := d.Send(context.Background(), testMessage())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.ErrorContains(t, res.Err, "421")

	require.Equal(t, 1, queue.len())
	assert.Equal(t, 2, queue.items[0].job.Attempt)
	assert.Equal(t, now.Add(time.Minute), queue.items[0].due)

	assert.Equal(t, []Outcome{OutcomeFailed}, log.statuses())
	for _, e := range log.entries {
		assert.Contains(t, e.Error, "421")
	}
}

func TestSend_NoRetryAfterLastAttempt(t *testing.T) {
	queue := &memQueue{}
	d := NewDispatcher(&mockTransport{errs: []error{errors.New("down")}}, nil, queue, Options{MaxAttempts: 2})

	res := d.deliver(context.Background(), Job{ID: "j", Message: testMessage(), Attempt: 2})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Zero(t, queue.len())
}

func TestSend_LogFailureDoesNotBlockDelivery(t *testing.T) {
	transport := &mockTransport{}
	log := newLog()
	log.beginErr = errors.New("db down")
	d := NewDispatcher(transport, log, nil, Options{})

	res := d.Send(context.Background(), testMessage())
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Len(t, transport.sent, 1)
}

type panickingTransport struct{}

func (panickingTransport) Send(context.Context, Message) error { panic("nil client") }

func TestSend_TransportPanicIsFailure(t *testing.T) {
	d := NewDispatcher(panickingTransport{}, nil, nil, Options{})

	res := d.Send(context.Background(), testMessage())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.ErrorContains(t, res.Err, "nil client")
}

func TestRetryWorker_RedeliversDueJobs(t *testing.T) {
	transport := &mockTransport{errs: []error{errors.New("first"), errors.New("second")}}
	queue := &memQueue{}
	d := NewDispatcher(transport, nil, queue, Options{MaxAttempts: 3, Backoff: time.Millisecond})

	res := d.Send(context.Background(), testMessage())
	require.Equal(t, OutcomeFailed, res.Outcome)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewRetryWorker(d, queue, 5*time.Millisecond).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 3, transport.calls)
	assert.Zero(t, queue.len())
}
