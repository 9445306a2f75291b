package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulseplan/iglink/internal/messenger"
)

type fakeSession struct {
	mu          sync.Mutex
	openErr     error
	navErr      error
	opened      bool
	closed      bool
	navigatedTo string
}

func (f *fakeSession) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeSession) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navErr != nil {
		return f.navErr
	}
	f.navigatedTo = url
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) target() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.navigatedTo
}

func (f *fakeSession) markClosed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeMessages struct {
	mu         sync.Mutex
	handlers   map[int]func(messenger.Message)
	nextID     int
	registered int
	removed    int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{handlers: make(map[int]func(messenger.Message))}
}

func (f *fakeMessages) OnMessage(handler func(messenger.Message)) (remove func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = handler
	f.registered++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
		f.removed++
	}
}

func (f *fakeMessages) emit(msg messenger.Message) {
	f.mu.Lock()
	handlers := make([]func(messenger.Message), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (f *fakeMessages) counts() (registered, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered, f.removed
}

func staticAuthURL(url string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return url, nil }
}

func TestOpenNavigatesToAuthURL(t *testing.T) {
	sess := &fakeSession{}
	c := NewController(sess, newFakeMessages(), nil)

	c.Open(context.Background(), staticAuthURL("https://provider.example/authorize"))

	require.True(t, c.State().IsOpen)
	require.Eventually(t, func() bool {
		return sess.target() == "https://provider.example/authorize" && !c.State().IsLoading
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(c.Close)
}

func TestPopupBlocked(t *testing.T) {
	sess := &fakeSession{openErr: errors.New("no display")}
	msgs := newFakeMessages()
	c := NewController(sess, msgs, nil)

	blocked := false
	c.Open(context.Background(), func(context.Context) (string, error) {
		blocked = true
		return "", nil
	})

	st := c.State()
	require.ErrorIs(t, st.Err, ErrPopupBlocked)
	require.False(t, st.IsOpen)
	require.False(t, st.IsLoading, "a blocked popup must not leave the flow spinning")

	// Nothing else may have started.
	registered, _ := msgs.counts()
	require.Zero(t, registered)
	require.False(t, blocked, "auth url must not be fetched when the window never opened")
}

func TestAuthURLFailureClosesWindow(t *testing.T) {
	sess := &fakeSession{}
	msgs := newFakeMessages()
	c := NewController(sess, msgs, nil)

	fetchErr := errors.New("backend unreachable")
	c.Open(context.Background(), func(context.Context) (string, error) {
		return "", fetchErr
	})

	require.Eventually(t, func() bool {
		return errors.Is(c.State().Err, fetchErr)
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, sess.Closed())

	_, removed := msgs.counts()
	require.Equal(t, 1, removed)
}

func TestTerminateMessageClosesWindow(t *testing.T) {
	sess := &fakeSession{}
	msgs := newFakeMessages()
	c := NewController(sess, msgs, nil)

	c.Open(context.Background(), staticAuthURL("https://provider.example/authorize"))
	require.True(t, c.State().IsOpen)

	// Any auth result from the child ends the dance.
	msgs.emit(messenger.Message{Type: messenger.TypeAuthSuccess, AuthSuccessful: true})

	require.False(t, c.State().IsOpen)
	require.True(t, sess.Closed())
	_, removed := msgs.counts()
	require.Equal(t, 1, removed)
}

func TestManualCloseIsDetected(t *testing.T) {
	sess := &fakeSession{}
	msgs := newFakeMessages()
	c := NewController(sess, msgs, nil)
	c.interval = 5 * time.Millisecond

	// Keep the auth URL fetch pending so only the watchdog can end the flow.
	pending := make(chan struct{})
	t.Cleanup(func() { close(pending) })
	c.Open(context.Background(), func(context.Context) (string, error) {
		<-pending
		return "", errors.New("too late")
	})
	require.True(t, c.State().IsOpen)

	sess.markClosed()

	require.Eventually(t, func() bool {
		return errors.Is(c.State().Err, ErrCancelled)
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, c.State().IsOpen)

	_, removed := msgs.counts()
	require.Equal(t, 1, removed)
}

func TestCloseIsIdempotent(t *testing.T) {
	sess := &fakeSession{}
	c := NewController(sess, newFakeMessages(), nil)

	c.Open(context.Background(), staticAuthURL("https://provider.example/authorize"))
	c.Close()
	c.Close()

	require.False(t, c.State().IsOpen)
	require.True(t, sess.Closed())
}

func TestOpenWhileOpenIsNoop(t *testing.T) {
	sess := &fakeSession{}
	msgs := newFakeMessages()
	c := NewController(sess, msgs, nil)

	c.Open(context.Background(), staticAuthURL("https://provider.example/authorize"))
	c.Open(context.Background(), staticAuthURL("https://provider.example/other"))
	t.Cleanup(c.Close)

	registered, _ := msgs.counts()
	require.Equal(t, 1, registered)
}
