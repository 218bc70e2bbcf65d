package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"farmchat/internal/models"
	"farmchat/internal/protocol"
	"farmchat/internal/realtime"
)

type subscription struct {
	id int
	fn realtime.Handler
}

type fakeConn struct {
	mu      sync.Mutex
	nextID  int
	subs    []subscription
	emitted []protocol.SendMessagePayload
	emitErr error
}

func (f *fakeConn) Subscribe(event string, fn realtime.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if event == protocol.EventNewMessage {
		f.subs = append(f.subs, subscription{id: id, fn: fn})
	}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s.id == id {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				return
			}
		}
	}
}

func (f *fakeConn) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	if p, ok := payload.(protocol.SendMessagePayload); ok && event == protocol.EventSendMessage {
		f.emitted = append(f.emitted, p)
	}
	return nil
}

func (f *fakeConn) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeConn) lastEmitted(t *testing.T) protocol.SendMessagePayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.emitted)
	return f.emitted[len(f.emitted)-1]
}

func (f *fakeConn) push(t *testing.T, msg models.Message) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := make([]realtime.Handler, 0, len(f.subs))
	for _, s := range f.subs {
		handlers = append(handlers, s.fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(raw)
	}
}

type fakeHistory struct {
	mu      sync.Mutex
	byChat  map[string][]models.Message
	gates   map[string]chan struct{}
	started chan string
	err     error
}

func (f *fakeHistory) GetMessages(ctx context.Context, chatID, viewerID string) ([]models.Message, error) {
	f.mu.Lock()
	gate := f.gates[chatID]
	msgs := append([]models.Message(nil), f.byChat[chatID]...)
	err := f.err
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- chatID
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, err
}

type fakeActive struct {
	mu     sync.Mutex
	active string
	marked []string
}

func (f *fakeActive) SetActive(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = chatID
}

func (f *fakeActive) ClearActive(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == chatID {
		f.active = ""
	}
}

func (f *fakeActive) MarkAsRead(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, chatID)
}

func at(minutes float64) time.Time {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(minutes * float64(time.Minute)))
}

func msg(id string, minutes float64) models.Message {
	return models.Message{ID: id, ChatID: "c1", Sender: "B", Content: "msg " + id, CreatedAt: at(minutes)}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func newReconciler(t *testing.T, history *fakeHistory) (*Reconciler, *fakeConn, *fakeActive) {
	t.Helper()
	conn := &fakeConn{}
	active := &fakeActive{}
	r := New(conn, history, active, active, zaptest.NewLogger(t))
	r.now = func() time.Time { return at(100) }
	t.Cleanup(r.Close)
	return r, conn, active
}

func TestOpenOrdersHistoryByEffectiveTime(t *testing.T) {
	ts := at(3)
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {
		msg("m1", 1),
		{ID: "m2", ChatID: "c1", Sender: "B", CreatedAt: at(0), Timestamp: &ts},
		msg("m3", 2),
		msg("m1", 1),
	}}}
	r, _, active := newReconciler(t, history)

	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	assert.Equal(t, []string{"m1", "m3", "m2"}, ids(r.Messages()))
	assert.Equal(t, "c1", active.active)
	assert.Equal(t, []string{"c1"}, active.marked)
	assert.True(t, r.IsOpen())
}

func TestOpenKeepsFetchOrderForEqualTimestamps(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {
		msg("b", 1), msg("a", 1), msg("c", 1),
	}}}
	r, conn, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	conn.push(t, msg("d", 1))

	assert.Equal(t, []string{"b", "a", "c", "d"}, ids(r.Messages()))
}

func TestPushIsInsertedInTimestampOrder(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {
		msg("m1", 1), msg("m2", 2), msg("m3", 3),
	}}}
	r, conn, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	conn.push(t, msg("m25", 2.5))

	assert.Equal(t, []string{"m1", "m2", "m25", "m3"}, ids(r.Messages()))
}

func TestDuplicatePushOnlyMergesReadFlag(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {msg("m1", 1)}}}
	r, conn, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	dup := msg("m1", 5)
	dup.Content = "edited"
	dup.Read = true
	conn.push(t, dup)

	got := r.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "msg m1", got[0].Content)
	assert.True(t, got[0].Read)
	assert.True(t, got[0].CreatedAt.Equal(at(1)))
}

func TestPushForAnotherChatIsIgnored(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {msg("m1", 1)}}}
	r, conn, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	other := msg("x", 2)
	other.ChatID = "c2"
	conn.push(t, other)

	assert.Equal(t, []string{"m1"}, ids(r.Messages()))
}

func TestSendConfirmedByCorrelationID(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {msg("m1", 1)}}}
	r, conn, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	sent, err := r.Send(context.Background(), "Hello", "A", "B")
	require.NoError(t, err)
	assert.True(t, sent.Pending)
	assert.True(t, strings.HasPrefix(sent.ID, tempIDPrefix))

	pending := r.Messages()
	require.Len(t, pending, 2)
	assert.Equal(t, sent.ID, pending[1].ID)
	assert.True(t, pending[1].Pending)

	emitted := conn.lastEmitted(t)
	assert.Equal(t, protocol.SendMessagePayload{
		Content: "Hello", ChatID: "c1", SenderID: "A", ReceiverID: "B", ClientTempID: sent.ClientTempID,
	}, emitted)

	echo := models.Message{
		ID: "srv-1", ClientTempID: emitted.ClientTempID, ChatID: "c1",
		Sender: "A", Content: "Hello", CreatedAt: at(101),
	}
	conn.push(t, echo)
	conn.push(t, echo)

	got := r.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "srv-1", got[1].ID)
	assert.False(t, got[1].Pending)
	assert.Equal(t, "Hello", got[1].Content)
}

func TestSendConfirmedWithoutCorrelationID(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": nil}}
	r, conn, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	first, err := r.Send(context.Background(), "Hello", "A", "B")
	require.NoError(t, err)
	_, err = r.Send(context.Background(), "Hello", "A", "B")
	require.NoError(t, err)

	conn.push(t, models.Message{ID: "srv-1", ChatID: "c1", Sender: "A", Content: "Hello", CreatedAt: at(100)})

	got := r.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "srv-1", got[0].ID, "oldest pending send is confirmed first")
	assert.Equal(t, first.ClientTempID, got[0].ClientTempID)
	assert.False(t, got[0].Pending)
	assert.True(t, got[1].Pending)
}

func TestSendFailureRollsBack(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {msg("m1", 1), msg("m2", 2)}}}
	r, conn, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))
	before := r.Messages()

	cause := errors.New("socket closed")
	conn.mu.Lock()
	conn.emitErr = cause
	conn.mu.Unlock()

	_, err := r.Send(context.Background(), "Hello", "A", "B")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, before, r.Messages())
}

func TestSendValidation(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": nil}}
	r, _, _ := newReconciler(t, history)

	_, err := r.Send(context.Background(), "Hello", "A", "B")
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, r.Open(context.Background(), "c1", "A"))
	_, err = r.Send(context.Background(), "   ", "A", "B")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, r.Messages())
}

func TestPushDuringFetchIsBuffered(t *testing.T) {
	gate := make(chan struct{})
	history := &fakeHistory{
		byChat:  map[string][]models.Message{"c1": {msg("m1", 1), msg("m2", 2)}},
		gates:   map[string]chan struct{}{"c1": gate},
		started: make(chan string, 1),
	}
	r, conn, _ := newReconciler(t, history)

	done := make(chan error, 1)
	go func() { done <- r.Open(context.Background(), "c1", "A") }()
	<-history.started

	conn.push(t, msg("m3", 3))
	conn.push(t, msg("m2", 2))
	close(gate)

	require.NoError(t, <-done)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(r.Messages()))
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	c2 := msg("n1", 1)
	c2.ChatID = "c2"
	history := &fakeHistory{
		byChat:  map[string][]models.Message{"c1": {msg("m1", 1)}, "c2": {c2}},
		gates:   map[string]chan struct{}{"c1": gate},
		started: make(chan string, 2),
	}
	r, conn, active := newReconciler(t, history)

	done := make(chan error, 1)
	go func() { done <- r.Open(context.Background(), "c1", "A") }()
	require.Equal(t, "c1", <-history.started)

	require.NoError(t, r.Open(context.Background(), "c2", "A"))
	<-history.started
	close(gate)

	assert.ErrorIs(t, <-done, ErrNotOpen)
	assert.Equal(t, []string{"n1"}, ids(r.Messages()))
	assert.Equal(t, "c2", r.ChatID())
	assert.Equal(t, "c2", active.active)
	assert.Equal(t, 1, conn.subscribers())
}

func TestFetchFailureReturnsError(t *testing.T) {
	history := &fakeHistory{err: errors.New("boom")}
	r, _, _ := newReconciler(t, history)

	err := r.Open(context.Background(), "c1", "A")
	assert.Error(t, err)
	assert.Empty(t, r.Messages())
	assert.True(t, r.IsOpen(), "pushes still flow after a failed fetch")
}

func TestCloseStopsPushes(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {msg("m1", 1)}}}
	r, conn, active := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	r.Close()
	r.Close()

	assert.Equal(t, 0, conn.subscribers())
	assert.Empty(t, active.active)
	r.OnMessagePushed(msg("m2", 2))
	assert.Equal(t, []string{"m1"}, ids(r.Messages()))
}

func TestPushWithoutTimeIsStampedNow(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {msg("m1", 1)}}}
	r, _, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	r.OnMessagePushed(models.Message{ID: "m0", ChatID: "c1", Sender: "B", Content: "late"})

	got := r.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "m0", got[1].ID)
	assert.True(t, got[1].CreatedAt.Equal(at(100)))
}

func countContent(msgs []models.Message, content string) int {
	n := 0
	for _, m := range msgs {
		if m.Content == content {
			n++
		}
	}
	return n
}

func TestSendDuringFetchYieldsOneMessage(t *testing.T) {
	gate := make(chan struct{})
	history := &fakeHistory{
		byChat: map[string][]models.Message{"c1": {
			{ID: "m100", ChatID: "c1", Sender: "A", Content: "Hello", CreatedAt: at(100)},
		}},
		gates:   map[string]chan struct{}{"c1": gate},
		started: make(chan string, 1),
	}
	r, conn, _ := newReconciler(t, history)

	done := make(chan error, 1)
	go func() { done <- r.Open(context.Background(), "c1", "A") }()
	<-history.started

	sent, err := r.Send(context.Background(), "Hello", "A", "B")
	require.NoError(t, err)
	conn.push(t, models.Message{ID: "m100", ClientTempID: sent.ClientTempID, ChatID: "c1", Sender: "A", Content: "Hello", CreatedAt: at(100)})
	close(gate)
	require.NoError(t, <-done)

	got := r.Messages()
	assert.Equal(t, []string{"m100"}, ids(got))
	assert.False(t, got[0].Pending)
	assert.Equal(t, sent.ClientTempID, got[0].ClientTempID)
}

func TestReopenWithPendingSendAndBufferedEcho(t *testing.T) {
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": nil}}
	r, conn, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	sent, err := r.Send(context.Background(), "Hello", "A", "B")
	require.NoError(t, err)

	gate := make(chan struct{})
	confirmed := models.Message{ID: "m100", ClientTempID: sent.ClientTempID, ChatID: "c1", Sender: "A", Content: "Hello", CreatedAt: at(100)}
	history.mu.Lock()
	history.byChat["c1"] = []models.Message{confirmed}
	history.gates = map[string]chan struct{}{"c1": gate}
	history.started = make(chan string, 1)
	history.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.Open(context.Background(), "c1", "A") }()
	<-history.started
	conn.push(t, confirmed)
	close(gate)
	require.NoError(t, <-done)

	got := r.Messages()
	assert.Equal(t, []string{"m100"}, ids(got))
	assert.False(t, got[0].Pending)
}

func TestReopenAfterMissedEcho(t *testing.T) {
	tests := []struct {
		name       string
		correlated bool
	}{
		{name: "history carries the correlation id", correlated: true},
		{name: "history without correlation id", correlated: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := &fakeHistory{byChat: map[string][]models.Message{"c1": {msg("m1", 1)}}}
			r, _, _ := newReconciler(t, history)
			require.NoError(t, r.Open(context.Background(), "c1", "A"))

			sent, err := r.Send(context.Background(), "Hello", "A", "B")
			require.NoError(t, err)
			r.Close()

			confirmed := models.Message{ID: "m100", ChatID: "c1", Sender: "A", Content: "Hello", CreatedAt: at(100.5)}
			if tt.correlated {
				confirmed.ClientTempID = sent.ClientTempID
			}
			history.mu.Lock()
			history.byChat["c1"] = []models.Message{msg("m1", 1), confirmed}
			history.mu.Unlock()

			require.NoError(t, r.Open(context.Background(), "c1", "A"))

			got := r.Messages()
			assert.Equal(t, []string{"m1", "m100"}, ids(got))
			assert.Equal(t, 1, countContent(got, "Hello"))
		})
	}
}

func TestReopenKeepsPendingSendNotYetInHistory(t *testing.T) {
	old := models.Message{ID: "m0", ChatID: "c1", Sender: "A", Content: "Hello", CreatedAt: at(1)}
	history := &fakeHistory{byChat: map[string][]models.Message{"c1": {old}}}
	r, _, _ := newReconciler(t, history)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	sent, err := r.Send(context.Background(), "Hello", "A", "B")
	require.NoError(t, err)
	require.NoError(t, r.Open(context.Background(), "c1", "A"))

	got := r.Messages()
	assert.Equal(t, []string{"m0", sent.ID}, ids(got), "an older identical message does not confirm a new send")
	assert.True(t, got[1].Pending)
}
