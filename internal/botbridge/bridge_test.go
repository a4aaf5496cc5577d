// ABOUTME: Tests for the Telegram bridge against a fake Bot API server.
// ABOUTME: Covers the inbound update pipeline and the placeholder-edit-finalize cycle.

package botbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AgentiveAU/MyAgentive/internal/engine"
	"github.com/AgentiveAU/MyAgentive/internal/replies"
	"github.com/AgentiveAU/MyAgentive/internal/session"
	"github.com/AgentiveAU/MyAgentive/internal/store"
)

// fakeProc is a minimal scripted engine process.
type fakeProc struct {
	mu     sync.Mutex
	output chan []byte
	killed bool
}

func (p *fakeProc) Send([]byte) error { return nil }

func (p *fakeProc) Output() <-chan []byte { return p.output }

func (p *fakeProc) Interrupt() error { return nil }

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.output)
	}
	return nil
}

func (p *fakeProc) emit(line string) { p.output <- []byte(line) }

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (l *fakeLauncher) launch(engine.Config) (engine.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProc{output: make(chan []byte, 64)}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

// apiCall is one recorded Bot API invocation.
type apiCall struct {
	method string
	body   map[string]any
}

// fakeBotAPI is an httptest server standing in for api.telegram.org. It
// records every call and answers with canned success payloads.
type fakeBotAPI struct {
	server *httptest.Server

	// rejectHTML makes sendMessage fail HTML-mode calls the way Telegram
	// rejects unparseable entities.
	rejectHTML bool

	mu            sync.Mutex
	calls         []apiCall
	nextMessageID int
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()

	api := &fakeBotAPI{}
	api.server = httptest.NewServer(http.HandlerFunc(api.handle))
	t.Cleanup(api.server.Close)
	return api
}

func (f *fakeBotAPI) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	method := parts[len(parts)-1]

	body := map[string]any{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(r.Body).Decode(&body)
	} else if err := r.ParseMultipartForm(1 << 20); err == nil {
		for key, vals := range r.MultipartForm.Value {
			body[key] = vals[0]
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, body: body})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":7,"is_bot":true,"username":"testbot"}}`))
	case "sendMessage":
		if f.rejectHTML && body["parse_mode"] == "HTML" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
			return
		}
		f.mu.Lock()
		f.nextMessageID++
		id := f.nextMessageID
		f.mu.Unlock()
		resp, _ := json.Marshal(map[string]any{"ok": true, "result": map[string]any{"message_id": id}})
		_, _ = w.Write(resp)
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

// callsFor returns all recorded calls to a method, in arrival order.
func (f *fakeBotAPI) callsFor(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []apiCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBotAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBotAPI) sentTexts() []string {
	var texts []string
	for _, c := range f.callsFor("sendMessage") {
		if text, ok := c.body["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	return texts
}

type bridgeFixture struct {
	bridge   *Bridge
	api      *fakeBotAPI
	launcher *fakeLauncher
	store    *store.MockStore
	manager  *session.Manager
}

func newTestBridge(t *testing.T, mutate func(*Config)) *bridgeFixture {
	t.Helper()

	api := newFakeBotAPI(t)
	launcher := &fakeLauncher{}
	st := store.NewMockStore()
	manager := session.NewManager(session.Config{
		Store:    st,
		Launcher: launcher.launch,
		Engine:   engine.Config{WorkDir: t.TempDir()},
	})
	t.Cleanup(manager.Close)

	cfg := Config{
		Token:           "test-token",
		APIBase:         api.server.URL,
		HTTPClient:      api.server.Client(),
		EditInterval:    10 * time.Millisecond,
		ResponseTimeout: 10 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	b := New(manager, cfg)
	t.Cleanup(func() {
		b.fragments.Close()
		b.mediaGroups.Close()
	})

	// The Bot API throttle would slow the tests to a crawl.
	b.api.global.SetLimit(rate.Inf)
	b.api.perChatLimit = rate.Inf

	return &bridgeFixture{bridge: b, api: api, launcher: launcher, store: st, manager: manager}
}

func textUpdate(updateID int64, chatID int64, messageID int, text string) update {
	return update{
		UpdateID: updateID,
		Message: &message{
			MessageID: messageID,
			Chat:      &chat{ID: chatID, Type: "private"},
			From:      &user{ID: 1},
			Text:      text,
		},
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, what)
}

func (fx *bridgeFixture) messages(t *testing.T, conversation string) []*store.Message {
	t.Helper()
	msgs, err := fx.store.GetMessages(context.Background(), conversation, 0)
	if err != nil {
		return nil
	}
	return msgs
}

func TestBridge_TextMessageRoundTrip(t *testing.T) {
	fx := newTestBridge(t, nil)

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "hello"))

	waitFor(t, func() bool { return len(fx.messages(t, "bot-100")) == 1 }, "user message persisted")
	assert.Equal(t, "hello", fx.messages(t, "bot-100")[0].Content)
	assert.Equal(t, store.OriginBot, fx.messages(t, "bot-100")[0].Origin)

	waitFor(t, func() bool { return fx.launcher.count() == 1 }, "engine launched")
	proc := fx.launcher.proc(0)
	proc.emit(`{"type":"tool_use","id":"t1","name":"Read","input":{}}`)
	proc.emit(`{"type":"assistant","text":"hi there"}`)
	proc.emit(`{"type":"result","success":true}`)

	// Placeholder goes up, gets edited with streamed text, then is
	// replaced by the rendered final message.
	waitFor(t, func() bool { return len(fx.api.callsFor("sendMessage")) == 2 }, "final message sent")

	assert.Len(t, fx.api.callsFor("deleteMessage"), 1, "placeholder deleted")
	assert.NotEmpty(t, fx.api.callsFor("sendChatAction"), "tool use shows typing")

	sends := fx.api.callsFor("sendMessage")
	assert.Equal(t, placeholderText, sends[0].body["text"])

	final := sends[1]
	assert.Equal(t, "hi there", final.body["text"])
	assert.Equal(t, "HTML", final.body["parse_mode"])

	edits := fx.api.callsFor("editMessageText")
	require.NotEmpty(t, edits)
	assert.Equal(t, "hi there", edits[0].body["text"])
}

func TestBridge_DuplicateUpdateDropped(t *testing.T) {
	fx := newTestBridge(t, nil)

	upd := textUpdate(42, 100, 10, "hello")
	fx.bridge.handleUpdate(context.Background(), upd)
	waitFor(t, func() bool { return len(fx.messages(t, "bot-100")) == 1 }, "first delivery")

	fx.bridge.handleUpdate(context.Background(), upd)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, fx.messages(t, "bot-100"), 1, "replayed update must not dispatch again")
}

func TestBridge_DisallowedChatIgnored(t *testing.T) {
	fx := newTestBridge(t, func(cfg *Config) {
		cfg.AllowedChats = []int64{1}
	})

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "hello"))

	time.Sleep(100 * time.Millisecond)
	convs, err := fx.store.ListConversations(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Zero(t, fx.api.callCount())
}

func TestBridge_BotSenderIgnored(t *testing.T) {
	fx := newTestBridge(t, nil)

	upd := textUpdate(1, 100, 10, "hello")
	upd.Message.From.IsBot = true
	fx.bridge.handleUpdate(context.Background(), upd)

	time.Sleep(100 * time.Millisecond)
	convs, err := fx.store.ListConversations(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestBridge_NewCommandSwitchesConversation(t *testing.T) {
	fx := newTestBridge(t, nil)

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "/new project"))
	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if text == "Now talking in project" {
				return true
			}
		}
		return false
	}, "confirmation sent")

	fx.bridge.handleUpdate(context.Background(), textUpdate(2, 100, 11, "hello"))
	waitFor(t, func() bool { return len(fx.messages(t, "project")) == 1 }, "message lands in new conversation")
}

func TestBridge_CommandBotNameSuffixStripped(t *testing.T) {
	fx := newTestBridge(t, nil)

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "/new@testbot project"))
	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if text == "Now talking in project" {
				return true
			}
		}
		return false
	}, "suffixed command recognized")
}

func TestBridge_SwitchRequiresArgument(t *testing.T) {
	fx := newTestBridge(t, nil)

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "/switch"))
	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if strings.Contains(text, "Usage:") {
				return true
			}
		}
		return false
	}, "usage hint sent")
}

func TestBridge_StopWithNothingRunning(t *testing.T) {
	fx := newTestBridge(t, nil)

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "/stop"))
	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if text == "Nothing to stop." {
				return true
			}
		}
		return false
	}, "stop acknowledged")
}

func TestBridge_StatusReportsState(t *testing.T) {
	fx := newTestBridge(t, nil)

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "/status"))
	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if text == "Conversation bot-100 is idle." {
				return true
			}
		}
		return false
	}, "status sent")
}

func TestBridge_UnknownCommand(t *testing.T) {
	fx := newTestBridge(t, nil)

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "/dance"))
	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if text == "Unknown command." {
				return true
			}
		}
		return false
	}, "rejection sent")
}

func TestBridge_ReplyRoutesToOriginatingConversation(t *testing.T) {
	fx := newTestBridge(t, nil)

	// An earlier response in "project" is on record as message 555.
	fx.bridge.routes.Record(100, 555, "project")

	upd := textUpdate(1, 100, 10, "follow up")
	upd.Message.ReplyTo = &message{MessageID: 555}
	fx.bridge.handleUpdate(context.Background(), upd)

	waitFor(t, func() bool { return len(fx.messages(t, "project")) == 1 }, "reply routed")
	assert.Equal(t, "follow up", fx.messages(t, "project")[0].Content)
}

func TestBridge_SingleMediaDispatchesImmediately(t *testing.T) {
	fx := newTestBridge(t, nil)

	upd := textUpdate(1, 100, 10, "")
	upd.Message.Document = &document{FileID: "f1", FileName: "report.pdf"}
	upd.Message.Caption = "the report"
	fx.bridge.handleUpdate(context.Background(), upd)

	waitFor(t, func() bool { return len(fx.messages(t, "bot-100")) == 1 }, "media described")
	assert.Equal(t, "[document] the report", fx.messages(t, "bot-100")[0].Content)
}

func TestBridge_MediaGroupCollated(t *testing.T) {
	fx := newTestBridge(t, nil)

	first := textUpdate(1, 100, 10, "")
	first.Message.MediaGroupID = "g1"
	first.Message.Photo = []photoSize{{FileID: "p1"}}
	first.Message.Caption = "one"
	fx.bridge.handleUpdate(context.Background(), first)

	second := textUpdate(2, 100, 11, "")
	second.Message.MediaGroupID = "g1"
	second.Message.Photo = []photoSize{{FileID: "p2"}}
	second.Message.Caption = "two"
	fx.bridge.handleUpdate(context.Background(), second)

	// The album flushes as one logical message after the debounce.
	waitFor(t, func() bool { return len(fx.messages(t, "bot-100")) == 1 }, "album flushed")
	assert.Equal(t, "[photo] one\n[photo] two", fx.messages(t, "bot-100")[0].Content)
}

func TestBridge_FragmentsReassembled(t *testing.T) {
	fx := newTestBridge(t, nil)

	head := strings.Repeat("a", 4000)
	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, head))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fx.messages(t, "bot-100"), "near-limit fragment is held back")

	fx.bridge.handleUpdate(context.Background(), textUpdate(2, 100, 11, "tail"))

	waitFor(t, func() bool { return len(fx.messages(t, "bot-100")) == 1 }, "fragments flushed")
	assert.Equal(t, head+"tail", fx.messages(t, "bot-100")[0].Content)
}

func TestBridge_ReplyThreadingFirstMode(t *testing.T) {
	fx := newTestBridge(t, func(cfg *Config) {
		cfg.ReplyMode = replies.ModeFirst
	})

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "hello"))

	waitFor(t, func() bool { return fx.launcher.count() == 1 }, "engine launched")
	proc := fx.launcher.proc(0)
	proc.emit(`{"type":"assistant","text":"hi"}`)
	proc.emit(`{"type":"result","success":true}`)

	waitFor(t, func() bool { return len(fx.api.callsFor("sendMessage")) == 2 }, "turn finalized")

	sends := fx.api.callsFor("sendMessage")
	assert.Equal(t, float64(10), sends[1].body["reply_to_message_id"], "final reply threads to the first user message")
}

func TestBridge_ErrorEventSentToChat(t *testing.T) {
	fx := newTestBridge(t, nil)

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "hello"))

	waitFor(t, func() bool { return fx.launcher.count() == 1 }, "engine launched")
	fx.launcher.proc(0).emit(`{"type":"result","success":false,"error":"engine exploded"}`)

	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if text == "Error: engine exploded" {
				return true
			}
		}
		return false
	}, "error surfaced in chat")
}

func TestBridge_BusyRejectionLeavesTurnRunning(t *testing.T) {
	fx := newTestBridge(t, nil)

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "hello"))
	waitFor(t, func() bool { return fx.launcher.count() == 1 }, "engine launched")

	proc := fx.launcher.proc(0)
	proc.emit(`{"type":"assistant","text":"partial answer"}`)
	waitFor(t, func() bool { return len(fx.api.callsFor("editMessageText")) >= 1 }, "placeholder streaming")

	// A second send mid-turn is rejected, but the live placeholder and
	// accumulated text must survive the rejection.
	fx.bridge.handleUpdate(context.Background(), textUpdate(2, 100, 11, "impatient"))
	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if text == "Error: a message is already being processed" {
				return true
			}
		}
		return false
	}, "busy notice sent")
	assert.Empty(t, fx.api.callsFor("deleteMessage"), "placeholder survives the rejection")

	proc.emit(`{"type":"assistant","text":"the rest"}`)
	proc.emit(`{"type":"result","success":true}`)
	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if text == "partial answer\n\nthe rest" {
				return true
			}
		}
		return false
	}, "turn finalizes with the full text")
	assert.Len(t, fx.api.callsFor("deleteMessage"), 1, "placeholder removed once, at the real end of the turn")

	for _, msg := range fx.messages(t, "bot-100") {
		assert.NotEqual(t, "impatient", msg.Content, "the rejected message is not persisted")
	}
}

func TestBridge_ParseErrorFallsBackToOriginalText(t *testing.T) {
	fx := newTestBridge(t, nil)
	fx.api.rejectHTML = true

	fx.bridge.handleUpdate(context.Background(), textUpdate(1, 100, 10, "hello"))
	waitFor(t, func() bool { return fx.launcher.count() == 1 }, "engine launched")

	proc := fx.launcher.proc(0)
	proc.emit(`{"type":"assistant","text":"**bold** move"}`)
	proc.emit(`{"type":"result","success":true}`)

	waitFor(t, func() bool {
		for _, text := range fx.api.sentTexts() {
			if text == "**bold** move" {
				return true
			}
		}
		return false
	}, "fallback sends the author's text")

	// No plain-mode send may carry the rejected rendering.
	for _, c := range fx.api.callsFor("sendMessage") {
		if _, html := c.body["parse_mode"]; html {
			continue
		}
		if text, ok := c.body["text"].(string); ok {
			assert.NotContains(t, text, "<b>")
		}
	}
}

func TestBridge_DeletePurgesReplyRoutes(t *testing.T) {
	fx := newTestBridge(t, nil)

	_, err := fx.manager.GetOrCreate(context.Background(), "project", "bot")
	require.NoError(t, err)
	fx.bridge.routes.Record(100, 555, "project")

	require.NoError(t, fx.manager.Delete(context.Background(), "project"))

	_, ok := fx.bridge.routes.Resolve(100, 555)
	assert.False(t, ok, "routes into a deleted conversation must not resolve")
}
