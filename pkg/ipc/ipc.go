// Package ipc implements the structured message channel between the supervisor
// and a worker process. Messages are newline-delimited JSON objects; the parent
// writes on the child's fd 3 and reads from the child's fd 4.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
)

const (
	// EnvChannel is set in the worker environment when fd 3 and 4 carry the channel.
	EnvChannel = "HYPERFAAS_EMULATOR_IPC"

	// ExitCodeDebugPortInUse is the exit status of a worker that could not bind its debug port.
	ExitCodeDebugPortInUse = 12

	childReadFD  = 3
	childWriteFD = 4

	maxMessageSize = 32 << 20
)

type Mode string

const (
	ModeServe Mode = "serve"
	ModeOnce  Mode = "once"
)

type DebugType string

const (
	DebugTypeDebug   DebugType = "debug"
	DebugTypeInspect DebugType = "inspect"
)

// DebugOptions describe the debug listener of a worker.
type DebugOptions struct {
	Type  DebugType `json:"type"`
	Port  int       `json:"port"`
	Pause bool      `json:"pause,omitempty"`
}

func (d *DebugOptions) Clone() *DebugOptions {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Config is sent by the parent once the child reported ready.
type Config struct {
	Function *metadata.FunctionDescriptor `json:"function"`
	Mock     bool                         `json:"mock,omitempty"`
	Debug    *DebugOptions                `json:"debug,omitempty"`
	Watch    bool                         `json:"watch,omitempty"`
	Mode     Mode                         `json:"mode"`
	// Payload is the input of a single-shot execution.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is one line on the channel. Exactly one field is expected to be set.
type Message struct {
	Ready  bool            `json:"ready,omitempty"`
	Config *Config         `json:"config,omitempty"`
	Port   int             `json:"port,omitempty"`
	Close  bool            `json:"close,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

var ErrChannelClosed = errors.New("ipc channel closed")

// Channel is a bidirectional message channel. Send is safe for concurrent use,
// Receive must be called from a single goroutine.
type Channel struct {
	scanner *bufio.Scanner
	reader  io.Closer
	writer  io.WriteCloser

	mu     sync.Mutex
	enc    *json.Encoder
	closed bool
}

func NewChannel(r io.ReadCloser, w io.WriteCloser) *Channel {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	return &Channel{
		scanner: scanner,
		reader:  r,
		writer:  w,
		enc:     json.NewEncoder(w),
	}
}

// Send writes msg followed by a newline.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("send ipc message: %w", err)
	}
	return nil
}

// Receive blocks until the next message arrives. It returns io.EOF once the
// peer closed its end.
func (c *Channel) Receive() (Message, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, &MalformedMessageError{Line: string(line), Err: err}
		}
		return msg, nil
	}
	if err := c.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.writer.Close(), c.reader.Close())
}

// ChildChannel opens the channel inherited from the parent process.
func ChildChannel() (*Channel, error) {
	if os.Getenv(EnvChannel) == "" {
		return nil, ErrNoParent
	}
	r := os.NewFile(childReadFD, "ipc-in")
	w := os.NewFile(childWriteFD, "ipc-out")
	if r == nil || w == nil {
		return nil, ErrNoParent
	}
	return NewChannel(r, w), nil
}

// Pipes holds both ends of the channel for a process that is about to be started.
type Pipes struct {
	// ExtraFiles become fd 3 and fd 4 of the child.
	ExtraFiles []*os.File
	Parent     *Channel
}

// NewPipes creates the pipe pair for one child.
func NewPipes() (*Pipes, error) {
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create ipc pipe: %w", err)
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, fmt.Errorf("create ipc pipe: %w", err)
	}
	return &Pipes{
		ExtraFiles: []*os.File{toChildR, fromChildW},
		Parent:     NewChannel(fromChildR, toChildW),
	}, nil
}

// CloseChildEnds releases the parent's copy of the child's descriptors. It must
// be called after the child started so that EOF is observed when the child exits.
func (p *Pipes) CloseChildEnds() {
	for _, f := range p.ExtraFiles {
		f.Close()
	}
}
