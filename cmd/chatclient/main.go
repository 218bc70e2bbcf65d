// Command chatclient is a terminal chat client. It reads commands from stdin:
//
//	/list             show conversations and unread counts
//	/start <userId>   open (or create) the conversation with a user
//	/open <chatId>    open an existing conversation
//	/quit             leave
//
// Any other line is sent to the open conversation.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"farmchat/internal/config"
	"farmchat/internal/logging"
	"farmchat/internal/models"
	"farmchat/internal/session"
	"farmchat/internal/stream"
)

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalf("Error: Configuration not loaded: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Error: Logger not configured: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(cfg, logger)
	if err != nil {
		logger.Fatal("Could not create session", zap.Error(err))
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		logger.Fatal("Could not start session", zap.Error(err))
	}

	ui := &terminal{sess: sess, me: sess.Identity(), out: os.Stdout}
	fmt.Fprintf(ui.out, "Signed in as %s (%s). Type /list, /start <userId>, /open <chatId> or /quit.\n",
		firstNonEmpty(ui.me.DisplayName, ui.me.UserID), ui.me.Role)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Chats().Changes():
			ui.printBadge()
		case line, ok := <-lines:
			if !ok || !ui.handle(ctx, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

type terminal struct {
	sess *session.Session
	me   models.Session
	out  *os.File

	mu        sync.Mutex
	conv      *stream.Reconciler
	peer      string
	stopWatch context.CancelFunc
	lastBadge int
}

// handle runs one input line. It returns false when the user quits.
func (t *terminal) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch {
	case line == "":
	case cmd == "/quit":
		return false
	case cmd == "/list":
		t.printList()
	case cmd == "/start" && arg != "":
		conv, err := t.sess.StartConversation(ctx, arg)
		t.attach(ctx, conv, err)
	case cmd == "/open" && arg != "":
		conv, err := t.sess.OpenConversation(ctx, arg)
		t.attach(ctx, conv, err)
	case strings.HasPrefix(line, "/"):
		fmt.Fprintln(t.out, "unknown command")
	default:
		t.send(ctx, line)
	}
	return true
}

func (t *terminal) attach(ctx context.Context, conv *stream.Reconciler, err error) {
	if conv == nil {
		fmt.Fprintf(t.out, "could not open conversation: %v\n", err)
		return
	}
	if err != nil {
		fmt.Fprintf(t.out, "history unavailable: %v\n", err)
	}

	peer := ""
	if chat, getErr := t.sess.Chats().Get(conv.ChatID()); getErr == nil {
		if p := chat.Counterpart(t.me.UserID); p != nil {
			peer = p.ID
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.stopWatch != nil {
		t.stopWatch()
	}
	t.conv, t.peer, t.stopWatch = conv, peer, cancel
	t.mu.Unlock()

	go t.watch(watchCtx, conv)
}

// watch reprints the tail of the conversation whenever it changes.
func (t *terminal) watch(ctx context.Context, conv *stream.Reconciler) {
	t.printConversation(conv)
	for {
		select {
		case <-ctx.Done():
			return
		case <-conv.Changes():
			t.printConversation(conv)
		}
	}
}

func (t *terminal) send(ctx context.Context, content string) {
	t.mu.Lock()
	conv, peer := t.conv, t.peer
	t.mu.Unlock()
	if conv == nil {
		fmt.Fprintln(t.out, "open a conversation first")
		return
	}
	if _, err := conv.Send(ctx, content, t.me.UserID, peer); err != nil {
		fmt.Fprintf(t.out, "not sent: %v\n", err)
	}
}

func (t *terminal) printList() {
	chats := t.sess.Chats().List()
	if len(chats) == 0 {
		fmt.Fprintln(t.out, "no conversations")
		return
	}
	for _, c := range chats {
		name := c.ID
		if p := c.Counterpart(t.me.UserID); p != nil {
			name = firstNonEmpty(p.UserName, p.ID)
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		fmt.Fprintf(t.out, "%-36s %-16s unread:%-3d %s\n", c.ID, name, c.UnreadCount, last)
	}
}

func (t *terminal) printBadge() {
	total := t.sess.Chats().UnreadTotal()
	t.mu.Lock()
	changed := total != t.lastBadge
	t.lastBadge = total
	t.mu.Unlock()
	if changed {
		fmt.Fprintf(t.out, "[unread: %d]\n", total)
	}
}

const tailSize = 10

func (t *terminal) printConversation(conv *stream.Reconciler) {
	msgs := conv.Messages()
	if len(msgs) > tailSize {
		msgs = msgs[len(msgs)-tailSize:]
	}
	fmt.Fprintf(t.out, "--- %s ---\n", conv.ChatID())
	for _, m := range msgs {
		who := m.Sender
		if m.Sender == t.me.UserID {
			who = "me"
		}
		mark := ""
		if m.Pending {
			mark = " (sending)"
		}
		fmt.Fprintf(t.out, "%s %-8s %s%s\n", m.EffectiveTime().Local().Format("15:04"), who, m.Content, mark)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
