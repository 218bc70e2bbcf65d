// Package readstate zeroes a conversation's unread count locally and tells the server.
package readstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"farmchat/internal/logging"
)

// LocalState is the owner of the unread counters. ResetUnread reports whether chatID was known.
type LocalState interface {
	ResetUnread(chatID string) bool
}

// Notifier tells the server a conversation has been read.
type Notifier interface {
	MarkAsRead(ctx context.Context, chatID string) error
}

// Tracker applies mark-as-read optimistically: the local count is zeroed before the
// server is contacted and is never rolled back.
type Tracker struct {
	notifier Notifier
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	local    LocalState
	inFlight map[string]bool
	again    map[string]bool
	closed   bool
	wg       sync.WaitGroup
}

// NewTracker returns a Tracker. timeout bounds each server notification.
func NewTracker(notifier Notifier, timeout time.Duration, logger *zap.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tracker{
		notifier: notifier,
		timeout:  timeout,
		logger:   logging.OrNop(logger).Named("readstate"),
		inFlight: make(map[string]bool),
		again:    make(map[string]bool),
	}
}

// Bind sets the local state owner, normally the chat list synchronizer.
func (t *Tracker) Bind(local LocalState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = local
}

// MarkAsRead zeroes chatID's unread count synchronously, then notifies the server in the
// background. While a notification for the same chat is in flight, further marks are
// coalesced into one more notification sent after it finishes, so messages that arrived
// during the first request are covered too. Failures are logged and otherwise ignored.
// After Close only the local count is reset.
func (t *Tracker) MarkAsRead(chatID string) {
	if chatID == "" {
		return
	}

	t.mu.Lock()
	local := t.local
	t.mu.Unlock()
	if local != nil && !local.ResetUnread(chatID) {
		t.logger.Debug("Marking a chat that is not in the local list", zap.String("chat_id", chatID))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		t.logger.Debug("Tracker closed, not notifying server", zap.String("chat_id", chatID))
	case t.inFlight[chatID]:
		t.again[chatID] = true
	default:
		t.inFlight[chatID] = true
		t.wg.Add(1)
		go t.notifyLoop(chatID)
	}
}

func (t *Tracker) notifyLoop(chatID string) {
	defer t.wg.Done()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		err := t.notifier.MarkAsRead(ctx, chatID)
		cancel()
		if err != nil {
			t.logger.Warn("Failed to notify server of read state", zap.String("chat_id", chatID), zap.Error(err))
		} else {
			t.logger.Debug("Server notified of read state", zap.String("chat_id", chatID))
		}

		t.mu.Lock()
		if t.again[chatID] && !t.closed {
			delete(t.again, chatID)
			t.mu.Unlock()
			continue
		}
		delete(t.again, chatID)
		delete(t.inFlight, chatID)
		t.mu.Unlock()
		return
	}
}

// Wait blocks until every notification started so far has finished. It must not run
// concurrently with MarkAsRead; use Close on shutdown.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Close stops new server notifications and waits for the ones in flight.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}
