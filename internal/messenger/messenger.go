// Package messenger is the notification channel between the callback
// processor (child) and the initiating command (parent). Messages are JSON
// files dropped into the receiver's inbox directory and picked up via
// fsnotify — delivery is fire-and-forget, at most once per send.
//
// Receivers discard any message whose origin differs from their own; the
// protocol compensates for dropped messages with a resend on teardown and
// the parent's independent credential poll.
package messenger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/pulseplan/iglink/internal/backend"
)

// Message types carried in the discriminated "type" field.
const (
	TypeAuthSuccess = "INSTAGRAM_AUTH_SUCCESS"
	TypeAuthError   = "INSTAGRAM_AUTH_ERROR"
)

// Message is one cross-window notification. The payload is fully
// self-contained and idempotent, so a replayed message is harmless.
type Message struct {
	Type           string            `json:"type"`
	Origin         string            `json:"origin"`
	Accounts       []backend.Account `json:"accounts,omitempty"`
	AuthSuccessful bool              `json:"authSuccessful,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Sender is the write side of the channel.
type Sender interface {
	Send(target string, msg Message) error
}

// Messenger owns one inbox directory and relays inbound messages to
// registered handlers. It never owns message data beyond dispatch.
type Messenger struct {
	origin  string
	inbox   string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[int]func(Message)
	nextID   int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a messenger receiving at inbox, accepting only messages
// stamped with origin.
func New(origin, inbox string, logger *slog.Logger) (*Messenger, error) {
	if origin == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(inbox)
	if err != nil {
		return nil, fmt.Errorf("abs inbox: %w", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("ensure inbox exists: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch inbox: %w", err)
	}

	m := &Messenger{
		origin:   origin,
		inbox:    abs,
		watcher:  fsw,
		logger:   logger,
		handlers: make(map[int]func(Message)),
		done:     make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()

	return m, nil
}

// Inbox returns this messenger's inbox directory, for handing to senders.
func (m *Messenger) Inbox() string { return m.inbox }

// Send drops msg into the target inbox directory. The message is stamped
// with the sender's origin before writing.
func (m *Messenger) Send(target string, msg Message) error {
	msg.Origin = m.origin

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := os.MkdirAll(target, 0700); err != nil {
		return fmt.Errorf("ensure target inbox: %w", err)
	}

	// Write-then-rename so the receiver never observes a partial message.
	name := uuid.New().String() + ".json"
	tmpPath := filepath.Join(target, "."+name+".tmp")
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(target, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// OnMessage registers a handler for inbound messages and returns a
// function that unregisters it.
func (m *Messenger) OnMessage(handler func(Message)) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.handlers[id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// Close stops the messenger and releases OS resources.
func (m *Messenger) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		close(m.done)
	})
	err := m.watcher.Close()
	m.wg.Wait()
	return err
}

func (m *Messenger) run() {
	for {
		select {
		case <-m.done:
			return
		case evt, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m.consume(evt.Name)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Debug("messenger watch error", "error", err)
		}
	}
}

// consume reads, validates, and dispatches one message file, then removes
// it so a message is delivered at most once.
func (m *Messenger) consume(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") || strings.HasPrefix(base, ".") {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	defer os.Remove(path)

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Debug("message dropped", "reason", "malformed", "error", err)
		return
	}

	// Messages from any other origin are discarded unconditionally,
	// regardless of how well-formed the rest of the payload is.
	if msg.Origin != m.origin {
		m.logger.Warn("message dropped",
			"reason", "origin_mismatch",
			"message_origin", msg.Origin,
			"action", "discard")
		return
	}

	switch msg.Type {
	case TypeAuthSuccess, TypeAuthError:
	default:
		m.logger.Debug("message dropped", "reason", "unknown_type", "type", msg.Type)
		return
	}

	m.mu.Lock()
	handlers := make([]func(Message), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}
