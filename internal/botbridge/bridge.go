// ABOUTME: Bot transport adapter bridging Telegram chats to the session manager.
// ABOUTME: Inbound update pipeline with dedupe/collation/reply routing; outbound placeholder editing.

package botbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AgentiveAU/MyAgentive/internal/collate"
	"github.com/AgentiveAU/MyAgentive/internal/dedupe"
	"github.com/AgentiveAU/MyAgentive/internal/replies"
	"github.com/AgentiveAU/MyAgentive/internal/session"
)

const (
	defaultPollTimeout     = 30 * time.Second
	defaultEditInterval    = 1500 * time.Millisecond
	defaultResponseTimeout = 5 * time.Minute

	// placeholderText is shown while the engine works on a turn.
	placeholderText = "…"

	pollErrorBackoff = 3 * time.Second
)

// Config holds the bot transport's settings.
type Config struct {
	Token   string
	APIBase string

	// HTTPClient overrides the default client; tests point it at a
	// local server together with APIBase.
	HTTPClient *http.Client

	// ReplyMode selects the outbound threading policy.
	ReplyMode replies.Mode

	// AllowedChats restricts which chats the bot answers. Empty allows
	// all.
	AllowedChats []int64

	ResponseTimeout time.Duration
	EditInterval    time.Duration
	PollTimeout     time.Duration

	Logger *slog.Logger
}

// Bridge runs the Telegram side: a long-poll inbound loop feeding the
// session manager, and per-chat outbound state that streams assistant
// output into an edited placeholder message.
type Bridge struct {
	cfg     Config
	api     *apiClient
	manager *session.Manager
	logger  *slog.Logger

	updates     *dedupe.Tracker
	fragments   *collate.FragmentBuffer
	mediaGroups *collate.MediaGroupBuffer
	threads     *replies.ThreadTracker
	routes      *replies.RouteMap

	allowed      map[int64]bool
	removeRoutes func()

	mu    sync.Mutex
	chats map[int64]*chatState
}

// New builds a bridge over the manager. Run starts the inbound loop.
func New(manager *session.Manager, cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = defaultEditInterval
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}

	b := &Bridge{
		cfg:     cfg,
		api:     newAPIClient(cfg.HTTPClient, cfg.APIBase, cfg.Token),
		manager: manager,
		logger:  logger.With("component", "botbridge"),
		updates: dedupe.New(dedupe.DefaultCapacity),
		threads: replies.NewThreadTracker(cfg.ReplyMode),
		routes:  replies.NewRouteMap(replies.DefaultRetention),
		chats:   make(map[int64]*chatState),
	}
	b.fragments = collate.NewFragmentBuffer(collate.DefaultFragmentThreshold, collate.DefaultFragmentDebounce, b.onFragmentsFlushed)
	b.mediaGroups = collate.NewMediaGroupBuffer(collate.DefaultMediaGroupDebounce, b.onMediaGroupFlushed)

	// A deleted or renamed conversation must not remain reply-routable.
	b.removeRoutes = manager.OnConversationRemoved(b.routes.Purge)

	if len(cfg.AllowedChats) > 0 {
		b.allowed = make(map[int64]bool, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			b.allowed[id] = true
		}
	}
	return b
}

// Run long-polls for updates until the context is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.fragments.Close()
	defer b.mediaGroups.Close()
	defer b.removeRoutes()

	if me, err := b.api.getMe(ctx); err != nil {
		b.logger.Warn("getMe failed, continuing anyway", "error", err)
	} else {
		b.logger.Info("bot connected", "username", me.Username, "id", me.ID)
	}

	var offset int64
	for {
		updates, next, err := b.api.getUpdates(ctx, offset, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-time.After(pollErrorBackoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		offset = next

		for _, u := range updates {
			b.handleUpdate(ctx, u)
		}
	}
}

// handleUpdate runs one inbound update through dedupe, access control,
// command handling, media collation, and fragment reassembly.
func (b *Bridge) handleUpdate(ctx context.Context, u update) {
	msg := u.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if b.updates.IsDuplicate(strconv.FormatInt(u.UpdateID, 10)) {
		b.logger.Debug("dropping duplicate update", "update_id", u.UpdateID)
		return
	}
	if b.allowed != nil && !b.allowed[msg.Chat.ID] {
		b.logger.Debug("ignoring disallowed chat", "chat", msg.Chat.ID)
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	chatID := msg.Chat.ID
	cs := b.chatState(chatID)

	// A reply to one of our earlier messages routes back to the exact
	// conversation that produced it.
	if msg.ReplyTo != nil {
		if conv, ok := b.routes.Resolve(chatID, msg.ReplyTo.MessageID); ok {
			cs.setConversation(conv)
		}
	}

	if strings.HasPrefix(msg.Text, "/") {
		b.handleCommand(ctx, cs, msg.Text)
		return
	}

	// Albums arrive as one update per item sharing a group id.
	if msg.Document != nil || len(msg.Photo) > 0 {
		item := mediaItemFrom(msg)
		if b.mediaGroups.Add(chatID, msg.MediaGroupID, item) {
			return
		}
		b.dispatch(ctx, cs, describeMedia([]collate.MediaItem{item}), msg.MessageID)
		return
	}

	if msg.Text == "" {
		return
	}

	// Long user input split by the transport is reassembled before
	// dispatch; short messages pass straight through.
	if b.fragments.Add(chatID, msg.MessageID, msg.Text) {
		return
	}
	b.dispatch(ctx, cs, msg.Text, msg.MessageID)
}

// onFragmentsFlushed dispatches a reassembled message.
func (b *Bridge) onFragmentsFlushed(chatID int64, text string, firstMessageID int) {
	b.dispatch(context.Background(), b.chatState(chatID), text, firstMessageID)
}

// onMediaGroupFlushed dispatches a collated album as one message.
func (b *Bridge) onMediaGroupFlushed(chatID int64, firstMessageID int, items []collate.MediaItem) {
	b.dispatch(context.Background(), b.chatState(chatID), describeMedia(items), firstMessageID)
}

func mediaItemFrom(msg *message) collate.MediaItem {
	item := collate.MediaItem{MessageID: msg.MessageID, Caption: msg.Caption}
	switch {
	case msg.Document != nil:
		item.Type = "document"
		item.FileID = msg.Document.FileID
	case len(msg.Photo) > 0:
		item.Type = "photo"
		// The last size is the largest.
		item.FileID = msg.Photo[len(msg.Photo)-1].FileID
	}
	return item
}

// describeMedia renders media items as text for the engine.
func describeMedia(items []collate.MediaItem) string {
	var parts []string
	for _, item := range items {
		desc := "[" + item.Type + "]"
		if item.Caption != "" {
			desc += " " + item.Caption
		}
		parts = append(parts, desc)
	}
	return strings.Join(parts, "\n")
}

// dispatch forwards one logical user message to the bound conversation.
func (b *Bridge) dispatch(ctx context.Context, cs *chatState, text string, messageID int) {
	if replyTo, ok := b.threads.RecordUserMessage(cs.chatID, messageID); ok {
		cs.setReplyTo(replyTo)
	} else {
		cs.setReplyTo(0)
	}

	if err := cs.ensureSubscribed(ctx); err != nil {
		b.logger.Error("failed to subscribe chat", "chat", cs.chatID, "error", err)
		b.sendPlain(cs.chatID, "Could not open the conversation, try again.")
		return
	}

	err := b.manager.Send(ctx, cs.clientID(), text)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrBusy):
		// The busy error event is broadcast to this chat's subscriber.
		b.logger.Debug("send rejected, conversation busy", "chat", cs.chatID)
	default:
		b.logger.Error("send failed", "chat", cs.chatID, "error", err)
		b.sendPlain(cs.chatID, "Could not deliver the message, try again.")
	}
}

// handleCommand processes the /new, /switch, /stop, /status commands.
func (b *Bridge) handleCommand(ctx context.Context, cs *chatState, text string) {
	fields := strings.Fields(text)
	// Strip the @botname suffix groups append to commands.
	cmd := strings.SplitN(fields[0], "@", 2)[0]
	var arg string
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch cmd {
	case "/new":
		name := arg
		if name == "" {
			name = "chat-" + uuid.New().String()[:8]
		}
		cs.setConversation(name)
		b.threads.ResetFirst(cs.chatID)
		if err := cs.ensureSubscribed(ctx); err != nil {
			b.sendPlain(cs.chatID, "Could not create the conversation.")
			return
		}
		b.sendPlain(cs.chatID, "Now talking in "+name)

	case "/switch":
		if arg == "" {
			b.sendPlain(cs.chatID, "Usage: /switch <name>")
			return
		}
		cs.setConversation(arg)
		b.threads.ResetFirst(cs.chatID)
		if err := cs.ensureSubscribed(ctx); err != nil {
			b.sendPlain(cs.chatID, "Could not open "+arg)
			return
		}
		b.sendPlain(cs.chatID, "Switched to "+arg)

	case "/stop":
		if b.manager.StopGeneration(cs.clientID()) {
			b.sendPlain(cs.chatID, "Stopping.")
		} else {
			b.sendPlain(cs.chatID, "Nothing to stop.")
		}

	case "/status":
		sess, err := b.manager.GetOrCreate(ctx, cs.conversationName(), "bot")
		if err != nil {
			b.sendPlain(cs.chatID, "Status unavailable.")
			return
		}
		b.sendPlain(cs.chatID, fmt.Sprintf("Conversation %s is %s.", sess.Name(), sess.Status()))

	default:
		b.sendPlain(cs.chatID, "Unknown command.")
	}
}

// sendPlain sends a plain-text service message, swallowing failures.
func (b *Bridge) sendPlain(chatID int64, text string) {
	if _, err := b.api.sendMessage(context.Background(), chatID, text, "", 0); err != nil {
		b.logger.Warn("service message failed", "chat", chatID, "error", err)
	}
}

// chatState returns (creating as needed) the per-chat outbound state.
func (b *Bridge) chatState(chatID int64) *chatState {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.chats[chatID]
	if !ok {
		cs = &chatState{
			bridge:       b,
			chatID:       chatID,
			conversation: fmt.Sprintf("bot-%d", chatID),
		}
		b.chats[chatID] = cs
	}
	return cs
}
