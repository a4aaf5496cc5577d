// ABOUTME: EngineSession owns one external conversational engine process.
// ABOUTME: Provides push-in/events-out decoupled from the caller, with interrupt and close.

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// eventBufferSize is the channel buffer between the process reader and the
// consumer. The session layer is the only consumer and drains continuously;
// the buffer just absorbs bursts.
const eventBufferSize = 64

// Config describes how to start an engine instance.
type Config struct {
	// Command is the engine binary. Defaults to "claude" when empty.
	Command string
	// SystemPrompt is passed to the engine at startup.
	SystemPrompt string
	// AllowedTools is the tool allow-list handed to the engine.
	AllowedTools []string
	// WorkDir is the engine's working directory; output files land here.
	WorkDir string
	// ResumeToken, when set, asks the engine to restore prior context.
	// The engine may reject a stale token at runtime; callers detect that
	// through the event stream ending without a result and recreate the
	// session without the token.
	ResumeToken string
}

// Process is a running engine instance. The production implementation wraps
// an exec.Cmd; tests substitute a scripted fake.
type Process interface {
	// Send writes one line to the engine's stdin.
	Send(line []byte) error
	// Output returns raw stdout lines. The channel closes when the
	// process exits.
	Output() <-chan []byte
	// Interrupt asks the engine to abandon its current turn.
	Interrupt() error
	// Kill terminates the process.
	Kill() error
}

// Launcher starts an engine Process for the given config.
type Launcher func(cfg Config) (Process, error)

// Session owns exactly one engine process and exposes a message-in /
// event-out contract. The event sequence preserves the engine's emission
// order and terminates when the process exits or Close is called.
type Session struct {
	mu     sync.Mutex
	proc   Process
	closed bool

	events chan Event
	logger *slog.Logger
}

// New launches an engine process with the default subprocess launcher.
func New(cfg Config, logger *slog.Logger) (*Session, error) {
	return NewWithLauncher(cfg, CommandLauncher, logger)
}

// NewWithLauncher launches an engine process with a custom launcher.
func NewWithLauncher(cfg Config, launch Launcher, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	proc, err := launch(cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		proc:   proc,
		events: make(chan Event, eventBufferSize),
		logger: logger,
	}
	go s.readLoop()
	return s, nil
}

// Push enqueues a user turn. It never blocks on the engine and is a silent
// no-op once the session is closed. A write failure to a live process is
// reported so the caller can reset and retry.
func (s *Session) Push(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	s.mu.Unlock()

	line, err := json.Marshal(map[string]string{
		"type":    "user",
		"content": text,
	})
	if err != nil {
		return fmt.Errorf("encoding user turn: %w", err)
	}

	if err := proc.Send(append(line, '\n')); err != nil {
		return fmt.Errorf("pushing user turn: %w", err)
	}
	return nil
}

// Events returns the session's output sequence. Events arrive in the exact
// order the engine emitted them; the channel closes when the engine process
// exits or the session is closed.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Interrupt asks the engine to abandon its current turn. Best effort: it
// never fails loudly when no turn is in flight.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	s.mu.Unlock()

	if err := proc.Interrupt(); err != nil {
		return err
	}
	return nil
}

// Close terminates the engine process. The event channel closes once the
// process exits; subsequent Push calls are no-ops. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	proc := s.proc
	s.mu.Unlock()

	if err := proc.Kill(); err != nil && !errors.Is(err, errAlreadyExited) {
		s.logger.Debug("engine kill", "error", err)
	}
}

// readLoop decodes stdout lines into events until the process exits.
func (s *Session) readLoop() {
	defer close(s.events)

	for line := range s.proc.Output() {
		ev, err := decodeEvent(line)
		if err != nil {
			var unknown *errUnknownEvent
			if errors.As(err, &unknown) {
				s.logger.Debug("skipping engine event", "error", err)
			} else {
				s.logger.Warn("malformed engine output line", "error", err)
			}
			continue
		}
		s.events <- ev
	}
}
