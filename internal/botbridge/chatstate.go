// ABOUTME: Per-chat outbound state: conversation binding, placeholder editing, turn finalization.
// ABOUTME: Streams assistant output into an edited placeholder, then replaces it with the final text.

package botbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AgentiveAU/MyAgentive/internal/session"
)

// chatState is one chat's view of the bridge. It owns the conversation
// binding and the in-flight placeholder message for the current turn.
type chatState struct {
	bridge *Bridge
	chatID int64

	mu           sync.Mutex
	conversation string
	subscribedTo string
	replyTo      int

	// Turn state.
	placeholderID int
	pending       []string
	lastEdit      time.Time
	timeout       *time.Timer
}

func (cs *chatState) clientID() string {
	return fmt.Sprintf("bot:%d", cs.chatID)
}

func (cs *chatState) conversationName() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.conversation
}

func (cs *chatState) setConversation(name string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.conversation = name
}

func (cs *chatState) setReplyTo(id int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.replyTo = id
}

// ensureSubscribed binds this chat's client to its current conversation.
// Re-subscribing is skipped while the binding is unchanged.
func (cs *chatState) ensureSubscribed(ctx context.Context) error {
	cs.mu.Lock()
	name := cs.conversation
	current := cs.subscribedTo
	cs.mu.Unlock()

	if current == name {
		return nil
	}

	_, err := cs.bridge.manager.Subscribe(ctx, cs.clientID(), name, session.ClientBot, cs.handleEvent)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	cs.subscribedTo = name
	cs.mu.Unlock()
	return nil
}

// handleEvent is the subscriber callback: it turns session events into
// Bot API calls. Browser-oriented events are ignored here.
func (cs *chatState) handleEvent(ev session.Event) {
	switch ev.Type {
	case session.EventAssistantMessage:
		cs.appendAssistant(ev.Content)

	case session.EventToolUse, session.EventCompacting:
		_ = cs.bridge.api.sendChatAction(context.Background(), cs.chatID, "typing")

	case session.EventResult:
		// A failed turn carries its error text; a clean one carries none.
		cs.finalize(ev.Error)

	case session.EventError:
		// A busy rejection arrives while the original turn is still
		// streaming into the placeholder; only turn-fatal errors end it.
		if ev.Code == session.ErrorCodeBusy {
			cs.bridge.sendPlain(cs.chatID, "Error: "+ev.Error)
			return
		}
		cs.finalize(ev.Error)

	case session.EventFileDelivery:
		if err := cs.bridge.api.sendDocument(context.Background(), cs.chatID, ev.FilePath, ev.Filename, ev.Caption); err != nil {
			cs.bridge.logger.Warn("file delivery failed", "chat", cs.chatID, "file", ev.Filename, "error", err)
		}
	}
}

// appendAssistant accumulates streamed assistant text and keeps the
// placeholder message roughly current, edited no more often than the
// configured interval.
func (cs *chatState) appendAssistant(text string) {
	ctx := context.Background()

	cs.mu.Lock()
	cs.pending = append(cs.pending, text)
	preview := strings.Join(cs.pending, "\n\n")
	placeholderID := cs.placeholderID
	due := time.Since(cs.lastEdit) >= cs.bridge.cfg.EditInterval

	if cs.timeout != nil {
		cs.timeout.Stop()
	}
	cs.timeout = time.AfterFunc(cs.bridge.cfg.ResponseTimeout, cs.onResponseTimeout)
	cs.mu.Unlock()

	if placeholderID == 0 {
		id, err := cs.bridge.api.sendMessage(ctx, cs.chatID, placeholderText, "", 0)
		if err != nil {
			cs.bridge.logger.Warn("placeholder send failed", "chat", cs.chatID, "error", err)
			return
		}
		cs.bridge.routes.Record(cs.chatID, id, cs.conversationName())

		cs.mu.Lock()
		cs.placeholderID = id
		cs.lastEdit = time.Time{} // force the first edit through
		cs.mu.Unlock()
		placeholderID = id
		due = true
	}

	if !due {
		return
	}

	preview = truncate(preview, MessageLimit)
	err := cs.bridge.api.editMessageText(ctx, cs.chatID, placeholderID, preview, "")
	if err != nil && !isNotModified(err) {
		cs.bridge.logger.Debug("placeholder edit failed", "chat", cs.chatID, "error", err)
		return
	}

	cs.mu.Lock()
	cs.lastEdit = time.Now()
	cs.mu.Unlock()
}

// finalize ends the current turn: the placeholder is removed and the
// accumulated text is sent as final messages, threaded per the reply
// policy and split at the message length limit.
func (cs *chatState) finalize(errText string) {
	ctx := context.Background()

	cs.mu.Lock()
	if cs.timeout != nil {
		cs.timeout.Stop()
		cs.timeout = nil
	}
	placeholderID := cs.placeholderID
	full := strings.Join(cs.pending, "\n\n")
	replyTo := cs.replyTo
	cs.placeholderID = 0
	cs.pending = nil
	cs.lastEdit = time.Time{}
	cs.mu.Unlock()

	if placeholderID != 0 {
		if err := cs.bridge.api.deleteMessage(ctx, cs.chatID, placeholderID); err != nil {
			cs.bridge.logger.Debug("placeholder delete failed", "chat", cs.chatID, "error", err)
		}
	}

	if full == "" {
		if errText != "" {
			cs.bridge.sendPlain(cs.chatID, "Error: "+errText)
		}
		return
	}

	rendered, renderedOK := renderHTML(full)
	parseMode := "HTML"
	if !renderedOK {
		rendered = full
		parseMode = ""
	}

	chunks := splitMessage(rendered, MessageLimit)
	for i := 0; i < len(chunks); i++ {
		chunk := chunks[i]
		chunkReplyTo := 0
		if i == 0 {
			chunkReplyTo = replyTo
		}

		id, err := cs.bridge.api.sendMessage(ctx, cs.chatID, chunk, parseMode, chunkReplyTo)
		if err != nil && parseMode != "" && isParseError(err) {
			// Rendering produced HTML Telegram rejects; the rest of the
			// response goes out as the original text, not the broken
			// markup.
			parseMode = ""
			if plain := splitMessage(full, MessageLimit); i < len(plain) {
				chunks = plain
				chunk = chunks[i]
			}
			id, err = cs.bridge.api.sendMessage(ctx, cs.chatID, chunk, "", chunkReplyTo)
		}
		if err != nil {
			cs.bridge.logger.Warn("final send failed", "chat", cs.chatID, "error", err)
			continue
		}
		cs.bridge.routes.Record(cs.chatID, id, cs.conversationName())
	}

	if errText != "" {
		cs.bridge.sendPlain(cs.chatID, "Error: "+errText)
	}
}

// onResponseTimeout forcibly finalizes a stalled turn so the chat is
// not stuck watching a placeholder forever.
func (cs *chatState) onResponseTimeout() {
	cs.bridge.logger.Warn("response timed out", "chat", cs.chatID)
	cs.finalize("response timed out")
}
