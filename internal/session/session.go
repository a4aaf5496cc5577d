// ABOUTME: ManagedSession, the authoritative state machine for one named conversation.
// ABOUTME: Single-flight message dispatch, engine lifecycle, crash recovery, subscriber fan-out.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/AgentiveAU/MyAgentive/internal/engine"
	"github.com/AgentiveAU/MyAgentive/internal/store"
)

var (
	// ErrBusy is returned when a message arrives while another is in
	// flight. Messages are rejected, never queued: one outstanding turn
	// per conversation.
	ErrBusy = errors.New("conversation is processing another message")

	// ErrTerminated is returned for any send to a closed conversation.
	ErrTerminated = errors.New("conversation is terminated")
)

// Status is a conversation's processing state.
type Status int

const (
	StatusIdle Status = iota
	StatusProcessing
	StatusResetting
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusProcessing:
		return "processing"
	case StatusResetting:
		return "resetting"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DefaultMaxContextTokens is the assumed engine context window when the
// config doesn't override it.
const DefaultMaxContextTokens = 200_000

// Config carries the collaborators a session (and the Manager that owns
// it) needs. Engine.WorkDir is the root under which each conversation
// gets its own working directory.
type Config struct {
	Store    store.Store
	Launcher engine.Launcher
	Engine   engine.Config

	// FileURLBase prefixes the relative URLs of delivered output files.
	FileURLBase string

	// MaxContextTokens sizes the context-update events derived from
	// engine usage reports. Zero means DefaultMaxContextTokens.
	MaxContextTokens int64

	Logger *slog.Logger
}

// Session is the state machine for one named conversation. At most one
// message is in flight at any time; a second send is rejected with
// ErrBusy. The engine behind it is created lazily, restored from the
// persisted resume token when one exists, and recreated after crashes
// without ever wedging the conversation.
type Session struct {
	name      string
	conv      *store.Conversation
	cfg       Config
	engineCfg engine.Config
	logger    *slog.Logger

	mu          sync.Mutex
	status      Status
	eng         *engine.Session
	resumeToken string

	// Turn-scoped outbox state.
	snapshot        map[string]struct{}
	lastAssistantID string
	deliveredFiles  map[string]fileRef // keyed by URL, per assistant message

	subscribers map[string]Subscriber
}

// newSession builds the state machine for conv. The Manager is the only
// constructor call site; transports reach sessions through it.
func newSession(conv *store.Conversation, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engineCfg := cfg.Engine
	if engineCfg.WorkDir != "" {
		engineCfg.WorkDir = filepath.Join(engineCfg.WorkDir, conv.Name)
	}

	return &Session{
		name:           conv.Name,
		conv:           conv,
		cfg:            cfg,
		engineCfg:      engineCfg,
		logger:         logger.With("component", "session", "conversation", conv.Name),
		resumeToken:    conv.ResumeToken,
		deliveredFiles: make(map[string]fileRef),
		subscribers:    make(map[string]Subscriber),
	}
}

// Name returns the conversation name.
func (s *Session) Name() string { return s.name }

// Status returns the current processing state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SendMessage persists and dispatches one user turn. While another turn
// is in flight it broadcasts a busy error and returns ErrBusy without
// touching the engine. A dispatch failure triggers exactly one engine
// reset-and-retry, preserving the resume token.
func (s *Session) SendMessage(ctx context.Context, content, origin string) error {
	s.mu.Lock()
	switch s.status {
	case StatusTerminated:
		s.mu.Unlock()
		return ErrTerminated
	case StatusProcessing, StatusResetting:
		s.mu.Unlock()
		s.broadcast(Event{
			Type:        EventError,
			SessionName: s.name,
			Error:       "a message is already being processed",
			Code:        ErrorCodeBusy,
		})
		return ErrBusy
	}
	s.status = StatusProcessing
	s.snapshot = snapshotDir(s.engineCfg.WorkDir)
	s.mu.Unlock()

	msg, err := s.cfg.Store.CreateMessage(ctx, s.conv.ID, store.RoleUser, content, origin)
	if err != nil {
		s.clearProcessing()
		return fmt.Errorf("persisting user message: %w", err)
	}

	s.broadcast(Event{
		Type:        EventUserMessage,
		SessionName: s.name,
		Content:     content,
		Role:        store.RoleUser,
		Origin:      origin,
		MessageID:   msg.ID,
	})

	if err := s.forward(content); err != nil {
		s.logger.Warn("engine dispatch failed, resetting", "error", err)
		if retryErr := s.resetAndForward(ctx, content); retryErr != nil {
			s.clearProcessing()
			s.broadcast(Event{
				Type:        EventError,
				SessionName: s.name,
				Error:       "failed to reach the engine",
			})
			return fmt.Errorf("dispatching to engine: %w", retryErr)
		}
	}
	return nil
}

// StopGeneration interrupts the current turn. Returns false when no
// turn is in flight. If interrupt itself fails, the engine is torn down
// and the output loop's crash recovery clears the Processing state.
func (s *Session) StopGeneration() bool {
	s.mu.Lock()
	if s.status != StatusProcessing || s.eng == nil {
		s.mu.Unlock()
		return false
	}
	eng := s.eng
	s.mu.Unlock()

	if err := eng.Interrupt(); err != nil {
		s.logger.Warn("interrupt failed, forcing engine reset", "error", err)
		eng.Close()
	}
	return true
}

// Subscribe registers a callback for this session's events. Re-using a
// client id replaces the previous callback.
func (s *Session) Subscribe(clientID string, fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated {
		return
	}
	s.subscribers[clientID] = fn
}

// Unsubscribe removes a client's callback. Idempotent.
func (s *Session) Unsubscribe(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, clientID)
}

// SubscriberCount reports how many clients are bound to this session.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Close terminates the session and releases the engine. Persisted
// history survives; all further SendMessage calls return ErrTerminated.
func (s *Session) Close() {
	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return
	}
	s.status = StatusTerminated
	eng := s.eng
	s.eng = nil
	s.subscribers = make(map[string]Subscriber)
	s.mu.Unlock()

	if eng != nil {
		eng.Close()
	}
}

// forward hands one turn to the engine, creating it first if needed.
func (s *Session) forward(content string) error {
	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()

	if eng == nil {
		var err error
		eng, err = s.startEngine()
		if err != nil {
			return err
		}
	}
	return eng.Push(content)
}

// resetAndForward tears the engine down, recreates it with the resume
// token preserved, and retries the dispatch once.
func (s *Session) resetAndForward(ctx context.Context, content string) error {
	s.mu.Lock()
	s.status = StatusResetting
	eng := s.eng
	s.eng = nil
	s.mu.Unlock()

	if eng != nil {
		eng.Close()
	}

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	s.status = StatusProcessing
	s.mu.Unlock()

	return s.forward(content)
}

// startEngine launches a fresh engine with the current resume token and
// starts its output loop.
func (s *Session) startEngine() (*engine.Session, error) {
	s.mu.Lock()
	token := s.resumeToken
	s.mu.Unlock()

	cfg := s.engineCfg
	cfg.ResumeToken = token
	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating engine work directory: %w", err)
		}
	}

	eng, err := engine.NewWithLauncher(cfg, s.cfg.Launcher, s.logger)
	if err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		eng.Close()
		return nil, ErrTerminated
	}
	s.eng = eng
	s.mu.Unlock()

	go s.outputLoop(eng)
	return eng, nil
}

// outputLoop drives one engine instance's event stream to completion.
// Exactly one loop runs per engine; a superseded loop exits quietly when
// its engine is no longer the session's current one.
func (s *Session) outputLoop(eng *engine.Session) {
	for ev := range eng.Events() {
		switch ev.Kind {
		case engine.KindSessionInfo:
			s.captureResumeToken(ev.SessionID)

		case engine.KindCompactStart:
			s.broadcast(Event{Type: EventCompacting, SessionName: s.name})

		case engine.KindCompactDone:
			s.broadcast(Event{Type: EventCompacted, SessionName: s.name})

		case engine.KindAssistantText:
			s.persistAssistantText(ev.Text)

		case engine.KindToolUse:
			s.broadcast(Event{
				Type:        EventToolUse,
				SessionName: s.name,
				ToolID:      ev.Tool.ID,
				ToolName:    ev.Tool.Name,
				ToolInput:   ev.Tool.InputJSON,
			})

		case engine.KindResult:
			s.completeTurn(ev.Result)
		}
	}
	s.finishLoop(eng)
}

// captureResumeToken records the engine's session identity and persists
// it so a restart can restore context.
func (s *Session) captureResumeToken(token string) {
	s.mu.Lock()
	s.resumeToken = token
	s.mu.Unlock()

	if err := s.cfg.Store.UpdateResumeToken(context.Background(), s.name, token); err != nil {
		s.logger.Warn("failed to persist resume token", "error", err)
	}
}

// persistAssistantText writes one assistant message and broadcasts it.
// Persistence happens before the broadcast so a client reading history
// immediately after the event sees the content.
func (s *Session) persistAssistantText(text string) {
	msg, err := s.cfg.Store.CreateMessage(context.Background(), s.conv.ID, store.RoleAssistant, text, store.OriginEngine)
	var msgID string
	if err != nil {
		s.logger.Error("failed to persist assistant message", "error", err)
	} else {
		msgID = msg.ID
	}

	s.mu.Lock()
	s.lastAssistantID = msgID
	s.deliveredFiles = make(map[string]fileRef)
	s.mu.Unlock()

	s.broadcast(Event{
		Type:        EventAssistantMessage,
		SessionName: s.name,
		Content:     text,
		Role:        store.RoleAssistant,
		Origin:      store.OriginEngine,
		MessageID:   msgID,
	})
}

// completeTurn broadcasts the result, delivers any files the turn
// produced, and returns the session to Idle.
func (s *Session) completeTurn(res *engine.Result) {
	ev := Event{
		Type:        EventResult,
		SessionName: s.name,
		Success:     boolPtr(res.Success),
		Cost:        res.CostUSD,
		Duration:    res.DurationMS,
	}
	if res.Error != "" {
		ev.Error = res.Error
	}
	s.broadcast(ev)

	s.deliverNewFiles()

	if res.Usage != nil {
		max := s.cfg.MaxContextTokens
		if max <= 0 {
			max = DefaultMaxContextTokens
		}
		used := res.Usage.InputTokens + res.Usage.OutputTokens
		s.broadcast(Event{
			Type:           EventContextUpdate,
			SessionName:    s.name,
			UsedTokens:     used,
			MaxTokens:      max,
			UsedPercentage: float64(used) / float64(max) * 100,
		})
	}

	s.clearProcessing()
}

// deliverNewFiles diffs the work directory against the pre-turn snapshot
// and synthesizes a file-delivery event per new file. Each file also
// lands in the latest assistant message's metadata, deduplicated by URL,
// so a page reload can still show it.
func (s *Session) deliverNewFiles() {
	if s.engineCfg.WorkDir == "" {
		return
	}

	s.mu.Lock()
	before := s.snapshot
	msgID := s.lastAssistantID
	s.mu.Unlock()

	for _, rel := range diffDir(s.engineCfg.WorkDir, before) {
		ref := fileRef{
			Path:     filepath.Join(s.engineCfg.WorkDir, rel),
			Filename: filepath.Base(rel),
			URL:      fileURL(s.cfg.FileURLBase, s.name, rel),
			Type:     classifyFile(rel),
		}

		s.mu.Lock()
		if _, dup := s.deliveredFiles[ref.URL]; dup {
			s.mu.Unlock()
			continue
		}
		s.deliveredFiles[ref.URL] = ref
		files := make([]fileRef, 0, len(s.deliveredFiles))
		for _, f := range s.deliveredFiles {
			files = append(files, f)
		}
		s.mu.Unlock()

		s.broadcast(Event{
			Type:        EventFileDelivery,
			SessionName: s.name,
			FilePath:    ref.Path,
			Filename:    ref.Filename,
			FileURL:     ref.URL,
			FileType:    ref.Type,
		})

		if msgID != "" {
			sort.Slice(files, func(i, j int) bool { return files[i].URL < files[j].URL })
			patch := map[string]any{"files": metadataFiles(files)}
			if err := s.cfg.Store.UpdateMessageMetadata(context.Background(), msgID, patch); err != nil {
				s.logger.Warn("failed to attach file metadata", "message", msgID, "error", err)
			}
		}
	}
}

// metadataFiles renders file refs as the metadata JSON shape.
func metadataFiles(files []fileRef) []any {
	out := make([]any, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]any{
			"filename": f.Filename,
			"url":      f.URL,
			"type":     f.Type,
		})
	}
	return out
}

// finishLoop runs when an engine's event stream ends. A stream that dies
// mid-turn is a crash: the resume token is cleared, an error is
// broadcast, and Processing is unconditionally released so the
// conversation can never wedge.
func (s *Session) finishLoop(eng *engine.Session) {
	s.mu.Lock()
	if s.eng != eng {
		// Superseded by a reset or deliberate close.
		s.mu.Unlock()
		return
	}
	s.eng = nil
	crashed := s.status == StatusProcessing
	if crashed {
		s.resumeToken = ""
	}
	if s.status != StatusTerminated {
		s.status = StatusIdle
	}
	s.mu.Unlock()

	if !crashed {
		return
	}

	s.logger.Warn("engine stream ended mid-turn, recovering")
	if err := s.cfg.Store.ClearResumeToken(context.Background(), s.name); err != nil {
		s.logger.Warn("failed to clear resume token", "error", err)
	}
	s.broadcast(Event{
		Type:        EventError,
		SessionName: s.name,
		Error:       "engine stream ended unexpectedly",
	})
}

// clearProcessing returns to Idle unless the session was terminated.
func (s *Session) clearProcessing() {
	s.mu.Lock()
	if s.status != StatusTerminated {
		s.status = StatusIdle
	}
	s.mu.Unlock()
}

// broadcast fans an event out to every subscriber. A callback that
// panics is dropped; the rest keep receiving.
func (s *Session) broadcast(ev Event) {
	s.mu.Lock()
	subs := make(map[string]Subscriber, len(s.subscribers))
	for id, fn := range s.subscribers {
		subs[id] = fn
	}
	s.mu.Unlock()

	for id, fn := range subs {
		s.deliver(id, fn, ev)
	}
}

func (s *Session) deliver(id string, fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("dropping subscriber after panic", "client", id, "panic", r)
			s.Unsubscribe(id)
		}
	}()
	fn(ev)
}
