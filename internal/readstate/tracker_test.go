package readstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type counterState struct {
	mu     sync.Mutex
	unread map[string]int
}

func (s *counterState) ResetUnread(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unread[chatID]; !ok {
		return false
	}
	s.unread[chatID] = 0
	return true
}

func (s *counterState) get(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[chatID]
}

type fakeNotifier struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (f *fakeNotifier) MarkAsRead(ctx context.Context, chatID string) error {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	state := &counterState{unread: map[string]int{"c1": 5}}
	notifier := &fakeNotifier{}
	tracker := NewTracker(notifier, time.Second, zaptest.NewLogger(t))
	tracker.Bind(state)

	for i := 0; i < 4; i++ {
		tracker.MarkAsRead("c1")
		assert.Equal(t, 0, state.get("c1"))
	}
	tracker.Wait()

	assert.Equal(t, 0, state.get("c1"))
	assert.GreaterOrEqual(t, notifier.calls.Load(), int32(1))
	assert.LessOrEqual(t, notifier.calls.Load(), int32(4))
}

func TestMarkAsReadCoalescesIntoOneTrailingNotification(t *testing.T) {
	state := &counterState{unread: map[string]int{"c1": 1}}
	notifier := &fakeNotifier{release: make(chan struct{})}
	tracker := NewTracker(notifier, 5*time.Second, zaptest.NewLogger(t))
	tracker.Bind(state)

	tracker.MarkAsRead("c1")
	require.Eventually(t, func() bool { return notifier.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Messages may have been read on screen after the first request reached the server.
	tracker.MarkAsRead("c1")
	tracker.MarkAsRead("c1")
	close(notifier.release)
	tracker.Wait()

	assert.Equal(t, int32(2), notifier.calls.Load())
}

func TestMarkAsReadAfterFinishedNotificationNotifiesAgain(t *testing.T) {
	notifier := &fakeNotifier{}
	tracker := NewTracker(notifier, time.Second, zaptest.NewLogger(t))

	tracker.MarkAsRead("c1")
	tracker.Wait()
	tracker.MarkAsRead("c1")
	tracker.Wait()

	assert.Equal(t, int32(2), notifier.calls.Load())
}

func TestCloseStopsServerNotifications(t *testing.T) {
	state := &counterState{unread: map[string]int{"c1": 4}}
	notifier := &fakeNotifier{release: make(chan struct{})}
	tracker := NewTracker(notifier, 5*time.Second, zaptest.NewLogger(t))
	tracker.Bind(state)

	tracker.MarkAsRead("c1")
	tracker.MarkAsRead("c1")
	done := make(chan struct{})
	go func() {
		tracker.Close()
		close(done)
	}()
	require.Eventually(t, func() bool {
		tracker.mu.Lock()
		defer tracker.mu.Unlock()
		return tracker.closed
	}, time.Second, 5*time.Millisecond)
	close(notifier.release)
	<-done

	state.mu.Lock()
	state.unread["c1"] = 2
	state.mu.Unlock()
	tracker.MarkAsRead("c1")

	assert.Equal(t, 0, state.get("c1"), "local reset still applies")
	assert.Equal(t, int32(1), notifier.calls.Load(), "no trailing or new notification after Close")
}

func TestMarkAsReadFailureKeepsLocalZero(t *testing.T) {
	state := &counterState{unread: map[string]int{"c1": 3}}
	notifier := &fakeNotifier{err: errors.New("server down")}
	tracker := NewTracker(notifier, time.Second, zaptest.NewLogger(t))
	tracker.Bind(state)

	tracker.MarkAsRead("c1")
	tracker.Wait()

	assert.Equal(t, 0, state.get("c1"))
	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestMarkAsReadUnknownChatStillNotifies(t *testing.T) {
	notifier := &fakeNotifier{}
	tracker := NewTracker(notifier, time.Second, zaptest.NewLogger(t))
	tracker.Bind(&counterState{unread: map[string]int{}})

	tracker.MarkAsRead("ghost")
	tracker.MarkAsRead("")
	tracker.Wait()

	assert.Equal(t, int32(1), notifier.calls.Load())
}
