// ABOUTME: Subprocess launcher backing EngineSession in production.
// ABOUTME: Wraps exec.Cmd with line-scanned stdout and signal-based interrupt.

package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// DefaultCommand is the engine binary used when Config.Command is empty.
const DefaultCommand = "claude"

// maxLineBytes bounds a single stdout line. Assistant text chunks are
// small, but tool input JSON can run long.
const maxLineBytes = 1 << 20

var errAlreadyExited = errors.New("process already exited")

// execProcess adapts an exec.Cmd to the Process interface.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output chan []byte

	mu     sync.Mutex
	exited bool
}

// CommandLauncher starts the engine binary as a subprocess speaking
// newline-delimited JSON on stdin/stdout.
func CommandLauncher(cfg Config) (Process, error) {
	command := cfg.Command
	if command == "" {
		command = DefaultCommand
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if cfg.ResumeToken != "" {
		args = append(args, "--resume", cfg.ResumeToken)
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating engine stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine process: %w", err)
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		output: make(chan []byte, eventBufferSize),
	}
	go p.scanOutput(stdout)
	return p, nil
}

// Send writes one line to the engine's stdin.
func (p *execProcess) Send(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return errAlreadyExited
	}
	_, err := p.stdin.Write(line)
	return err
}

// Output returns the channel of raw stdout lines.
func (p *execProcess) Output() <-chan []byte {
	return p.output
}

// Interrupt delivers SIGINT so the engine can abandon its current turn
// without losing the process.
func (p *execProcess) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return errAlreadyExited
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

// Kill terminates the process.
func (p *execProcess) Kill() error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return errAlreadyExited
	}
	p.mu.Unlock()

	_ = p.stdin.Close()
	return p.cmd.Process.Kill()
}

// scanOutput forwards stdout lines and reaps the process on EOF.
func (p *execProcess) scanOutput(stdout io.Reader) {
	defer close(p.output)
	defer func() {
		_ = p.cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Copy: the scanner reuses its buffer.
		dup := make([]byte, len(line))
		copy(dup, line)
		p.output <- dup
	}
}
