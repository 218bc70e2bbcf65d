// Package stream merges history, live pushes and optimistic sends for one open
// conversation into a single ordered, duplicate-free message sequence.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"farmchat/internal/logging"
	"farmchat/internal/models"
	"farmchat/internal/protocol"
	"farmchat/internal/realtime"
)

var (
	ErrSendFailed   = errors.New("stream: could not send message")
	ErrEmptyMessage = errors.New("stream: message content is empty")
	ErrNotOpen      = errors.New("stream: conversation is not open")
)

const tempIDPrefix = "tmp-"

// clockSkew is how far a server timestamp may trail the client clock and still
// confirm a pending send.
const clockSkew = 2 * time.Minute

// Connection is the realtime handle as used by a reconciler.
type Connection interface {
	Subscribe(event string, fn realtime.Handler) (unsubscribe func())
	Emit(ctx context.Context, event string, payload any) error
}

// HistoryFetcher loads the message history of a conversation.
type HistoryFetcher interface {
	GetMessages(ctx context.Context, chatID, viewerID string) ([]models.Message, error)
}

// ActiveTracker is told which conversation is on screen.
type ActiveTracker interface {
	SetActive(chatID string)
	ClearActive(chatID string)
}

// ReadMarker marks a conversation read.
type ReadMarker interface {
	MarkAsRead(chatID string)
}

type entry struct {
	msg models.Message
	at  time.Time
	seq uint64
}

// Reconciler holds the message sequence of one open conversation.
//
// Messages are kept in non-decreasing effective-timestamp order. Equal timestamps keep
// arrival order: history first, then pushes and local sends as they happen.
type Reconciler struct {
	conn    Connection
	history HistoryFetcher
	active  ActiveTracker
	reads   ReadMarker
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	chatID      string
	viewerID    string
	open        bool
	generation  uint64
	fetching    bool
	buffered    []models.Message
	entries     []entry
	seq         uint64
	unsubscribe func()

	changes chan struct{}
}

// New returns a closed Reconciler. active and reads may be nil.
func New(conn Connection, history HistoryFetcher, active ActiveTracker, reads ReadMarker, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		conn:    conn,
		history: history,
		active:  active,
		reads:   reads,
		logger:  logging.OrNop(logger).Named("stream"),
		now:     time.Now,
		changes: make(chan struct{}, 1),
	}
}

// Open makes chatID the open conversation. It subscribes to pushes before fetching the
// history so nothing emitted during the fetch is lost; pushes that arrive meanwhile are
// buffered and merged, de-duplicated by id, once the history is in.
//
// If another Open or a Close happens while the fetch is in flight, the late history is
// discarded and ErrNotOpen is returned. On fetch failure the sequence is left as it was
// (plus any buffered pushes) and the error is returned.
func (r *Reconciler) Open(ctx context.Context, chatID, viewerID string) error {
	r.mu.Lock()
	prevChat, prevUnsub, wasOpen := r.chatID, r.unsubscribe, r.open
	r.generation++
	gen := r.generation
	if chatID != prevChat {
		r.entries = nil
	}
	r.chatID, r.viewerID, r.open = chatID, viewerID, true
	r.fetching = true
	r.buffered = nil
	r.unsubscribe = r.conn.Subscribe(protocol.EventNewMessage, r.handlePush)
	r.mu.Unlock()

	if prevUnsub != nil {
		prevUnsub()
	}
	if wasOpen && prevChat != chatID && r.active != nil {
		r.active.ClearActive(prevChat)
	}
	if r.active != nil {
		r.active.SetActive(chatID)
	}
	if r.reads != nil {
		r.reads.MarkAsRead(chatID)
	}

	msgs, err := r.history.GetMessages(ctx, chatID, viewerID)

	r.mu.Lock()
	if gen != r.generation || !r.open {
		r.mu.Unlock()
		r.logger.Debug("Discarding history for a conversation no longer open", zap.String("chat_id", chatID))
		return ErrNotOpen
	}
	if err == nil {
		r.applyHistoryLocked(msgs)
	}
	for _, m := range r.buffered {
		r.applyPushLocked(m)
	}
	r.buffered = nil
	r.fetching = false
	count := len(r.entries)
	r.mu.Unlock()

	r.notify()
	if err != nil {
		r.logger.Error("Failed to fetch message history", zap.String("chat_id", chatID), zap.Error(err))
		return fmt.Errorf("open chat %s: %w", chatID, err)
	}
	r.logger.Info("Conversation opened", zap.String("chat_id", chatID), zap.Int("messages", count))
	return nil
}

// Close stops listening for pushes. The sequence is kept for the caller to render or drop.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return
	}
	r.open = false
	r.generation++
	r.fetching = false
	r.buffered = nil
	chatID, unsubscribe := r.chatID, r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if r.active != nil {
		r.active.ClearActive(chatID)
	}
	r.logger.Debug("Conversation closed", zap.String("chat_id", chatID))
}

// OnMessagePushed applies one pushed message if it belongs to the open conversation.
//
// A push whose id is already present only updates the read flag, and drops the pending
// send it confirms if one is still shown. A push carrying the clientTempId of a pending
// local send replaces that entry in place. A push without a
// clientTempId replaces the oldest pending send with the same sender and content, for
// servers that do not echo the correlation id. Anything else is inserted in order.
func (r *Reconciler) OnMessagePushed(msg models.Message) {
	r.mu.Lock()
	if !r.open || msg.ChatID != r.chatID {
		r.mu.Unlock()
		return
	}
	if r.fetching {
		r.buffered = append(r.buffered, msg.Clone())
		r.mu.Unlock()
		return
	}
	r.applyPushLocked(msg)
	r.mu.Unlock()

	r.notify()
}

// Send shows the message immediately as a pending entry, then emits it. If the emit
// fails the pending entry is removed again and the error wraps ErrSendFailed.
// The message goes to the open conversation.
func (r *Reconciler) Send(ctx context.Context, content, senderID, receiverID string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}

	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return models.Message{}, ErrNotOpen
	}
	tempID := uuid.NewString()
	msg := models.Message{
		ID:           tempIDPrefix + tempID,
		ClientTempID: tempID,
		ChatID:       r.chatID,
		Sender:       senderID,
		Content:      content,
		CreatedAt:    r.now(),
		Pending:      true,
	}
	r.insertLocked(msg, r.nextSeqLocked())
	r.mu.Unlock()
	r.notify()

	err := r.conn.Emit(ctx, protocol.EventSendMessage, protocol.SendMessagePayload{
		Content:      content,
		ChatID:       msg.ChatID,
		SenderID:     senderID,
		ReceiverID:   receiverID,
		ClientTempID: tempID,
	})
	if err != nil {
		r.mu.Lock()
		if i := r.pendingIndexLocked(tempID); i >= 0 {
			r.removeLocked(i)
		}
		r.mu.Unlock()
		r.notify()
		r.logger.Warn("Send failed, rolled back optimistic message",
			zap.String("chat_id", msg.ChatID), zap.String("client_temp_id", tempID), zap.Error(err))
		return models.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return msg.Clone(), nil
}

// Messages returns a copy of the current sequence.
func (r *Reconciler) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

// ChatID returns the conversation this reconciler was last opened on.
func (r *Reconciler) ChatID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatID
}

// IsOpen reports whether the reconciler is listening for pushes.
func (r *Reconciler) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Changes delivers a signal after the sequence changes. Signals coalesce.
func (r *Reconciler) Changes() <-chan struct{} {
	return r.changes
}

func (r *Reconciler) handlePush(payload json.RawMessage) {
	msg, err := protocol.DecodeMessage(payload)
	if err != nil {
		r.logger.Warn("Dropping undecodable push", zap.Error(err))
		return
	}
	r.OnMessagePushed(msg)
}

func (r *Reconciler) applyHistoryLocked(msgs []models.Message) {
	now := r.now()
	history := make([]models.Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		m.Normalize(now)
		m.Pending = false
		history = append(history, m.Clone())
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].EffectiveTime().Before(history[j].EffectiveTime())
	})

	kept := r.entries
	r.entries = make([]entry, 0, len(history)+len(kept))
	for _, m := range history {
		r.entries = append(r.entries, entry{msg: m, at: m.EffectiveTime(), seq: r.nextSeqLocked()})
	}

	// History messages already held as confirmed entries cannot confirm a pending send.
	claimed := make([]bool, len(history))
	keptIDs := make(map[string]struct{}, len(kept))
	for _, e := range kept {
		if !e.msg.Pending {
			keptIDs[e.msg.ID] = struct{}{}
		}
	}
	for i, m := range history {
		if _, ok := keptIDs[m.ID]; ok {
			claimed[i] = true
		}
	}

	// Entries from an earlier open of the same conversation survive unless the history
	// already holds them or, for pending sends, holds their confirmation.
	for _, e := range kept {
		if _, ok := seen[e.msg.ID]; ok {
			continue
		}
		if e.msg.Pending && claimConfirmation(history, claimed, e.msg) {
			continue
		}
		r.insertLocked(e.msg, e.seq)
	}
}

// claimConfirmation finds the history message confirming the pending send p and marks it
// claimed. A message echoing p's clientTempId wins; otherwise the oldest unclaimed message
// without a correlation id, with p's sender and content, created no earlier than p
// (less clockSkew) is taken.
func claimConfirmation(history []models.Message, claimed []bool, p models.Message) bool {
	if p.ClientTempID != "" {
		for i, m := range history {
			if !claimed[i] && m.ClientTempID == p.ClientTempID {
				claimed[i] = true
				return true
			}
		}
	}
	earliest := p.CreatedAt.Add(-clockSkew)
	for i, m := range history {
		if claimed[i] || m.ClientTempID != "" || m.Sender != p.Sender || m.Content != p.Content {
			continue
		}
		if m.EffectiveTime().Before(earliest) {
			continue
		}
		claimed[i] = true
		return true
	}
	return false
}

func (r *Reconciler) applyPushLocked(msg models.Message) {
	msg.Normalize(r.now())
	msg.Pending = false

	pending := -1
	if msg.ClientTempID != "" {
		pending = r.pendingIndexLocked(msg.ClientTempID)
	}
	if msg.ID != "" {
		if i := r.idIndexLocked(msg.ID); i >= 0 {
			if msg.Read {
				r.entries[i].msg.Read = true
			}
			if r.entries[i].msg.ClientTempID == "" {
				r.entries[i].msg.ClientTempID = msg.ClientTempID
			}
			// The confirmed copy arrived first, through history.
			if pending >= 0 {
				r.removeLocked(pending)
			}
			return
		}
	}
	if pending >= 0 {
		r.replaceLocked(pending, msg)
		return
	}
	if msg.ClientTempID == "" {
		if i := r.pendingContentIndexLocked(msg.Sender, msg.Content); i >= 0 {
			r.replaceLocked(i, msg)
			return
		}
	}
	r.insertLocked(msg, r.nextSeqLocked())
}

func (r *Reconciler) nextSeqLocked() uint64 {
	r.seq++
	return r.seq
}

// insertLocked places msg after every entry that sorts before or equal to it.
func (r *Reconciler) insertLocked(msg models.Message, seq uint64) {
	e := entry{msg: msg, at: msg.EffectiveTime(), seq: seq}
	i := sort.Search(len(r.entries), func(i int) bool {
		other := r.entries[i]
		if other.at.Equal(e.at) {
			return other.seq > e.seq
		}
		return other.at.After(e.at)
	})
	r.entries = append(r.entries, entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

// replaceLocked swaps entry i for msg, keeping its arrival position among equal timestamps.
func (r *Reconciler) replaceLocked(i int, msg models.Message) {
	seq := r.entries[i].seq
	if msg.ClientTempID == "" {
		msg.ClientTempID = r.entries[i].msg.ClientTempID
	}
	r.removeLocked(i)
	r.insertLocked(msg, seq)
}

func (r *Reconciler) removeLocked(i int) {
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
}

func (r *Reconciler) pendingIndexLocked(clientTempID string) int {
	for i, e := range r.entries {
		if e.msg.Pending && e.msg.ClientTempID == clientTempID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) idIndexLocked(id string) int {
	for i, e := range r.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

// pendingContentIndexLocked finds the oldest pending send matching sender and content.
func (r *Reconciler) pendingContentIndexLocked(sender, content string) int {
	best := -1
	for i, e := range r.entries {
		if !e.msg.Pending || e.msg.Sender != sender || e.msg.Content != content {
			continue
		}
		if best < 0 || e.seq < r.entries[best].seq {
			best = i
		}
	}
	return best
}

func (r *Reconciler) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}
