package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/models"
)

//nolint:gochecknoinits // keep test output quiet
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

var (
	alice = models.Identity{ID: 1, Username: "alice"}
	bob   = models.Identity{ID: 2, Username: "bob"}
)

// fakePeer is an in-memory transport. Frames are fed through send; hangUp
// simulates the remote end closing.
type fakePeer struct {
	addr   string
	frames chan Frame

	mu           sync.Mutex
	conn         *Conn
	rejected     bool
	rejectCode   int
	rejectReason string
	hungUp       bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{addr: "192.0.2.1:5000", frames: make(chan Frame, 16)}
}

func (p *fakePeer) Attach(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
}

func (p *fakePeer) Receive() (Frame, error) {
	f, ok := <-p.frames
	if !ok {
		return Frame{}, io.EOF
	}
	return f, nil
}

func (p *fakePeer) Reject(code int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected = true
	p.rejectCode = code
	p.rejectReason = reason
	return nil
}

func (p *fakePeer) RemoteAddr() string { return p.addr }

func (p *fakePeer) send(text string) { p.frames <- Frame{Text: text} }

func (p *fakePeer) sendBinary(data string) { p.frames <- Frame{Text: data, Binary: true} }

func (p *fakePeer) hangUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hungUp {
		p.hungUp = true
		close(p.frames)
	}
}

func (p *fakePeer) attached() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// memoryMessages is a MessageStore with a fixed clock.
type memoryMessages struct {
	mu       sync.Mutex
	msgs     []models.StoredMessage
	nextID   models.MessageID
	now      time.Time
	fail     error
	onAppend func(models.StoredMessage)
}

func newMemoryMessages(now time.Time) *memoryMessages {
	return &memoryMessages{now: now}
}

func (m *memoryMessages) Append(_ context.Context, group models.GroupID, author models.UserID, text string) (models.StoredMessage, error) {
	m.mu.Lock()
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return models.StoredMessage{}, err
	}
	m.nextID++
	msg := models.StoredMessage{ID: m.nextID, GroupID: group, AuthorID: author, Content: text, CreatedAt: m.now}
	m.msgs = append(m.msgs, msg)
	hook := m.onAppend
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return msg, nil
}

func (m *memoryMessages) RecentMessages(_ context.Context, group models.GroupID, limit int) ([]models.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.StoredMessage
	for _, msg := range m.msgs {
		if msg.GroupID == group {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memoryMessages) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memoryMessages) stored() []models.StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.StoredMessage(nil), m.msgs...)
}

// staticIdentities resolves tokens from a fixed table.
type staticIdentities map[string]models.Identity

func (s staticIdentities) ResolveSession(_ context.Context, credential string) (models.Identity, error) {
	id, ok := s[credential]
	if !ok {
		return models.Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// brokenIdentities fails every lookup with a non-auth error.
type brokenIdentities struct{}

func (brokenIdentities) ResolveSession(context.Context, string) (models.Identity, error) {
	return models.Identity{}, errors.New("session store unavailable")
}

// staticUsers is a UserDirectory over a fixed table.
type staticUsers map[models.UserID]models.User

func (s staticUsers) UsersByID(_ context.Context, ids []models.UserID) (map[models.UserID]models.User, error) {
	out := make(map[models.UserID]models.User, len(ids))
	for _, id := range ids {
		if u, ok := s[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func testUsers() staticUsers {
	return staticUsers{
		alice.ID: {ID: alice.ID, Username: alice.Username},
		bob.ID:   {ID: bob.ID, Username: bob.Username},
	}
}

// nextPayload waits for the next outbound payload on conn.
func nextPayload(t *testing.T, conn *Conn) string {
	t.Helper()
	select {
	case p, ok := <-conn.Outbound():
		if !ok {
			t.Fatal("outbound queue closed while waiting for payload")
		}
		return string(p)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
	}
	return ""
}

// expectNoPayload asserts nothing is queued on conn within d.
func expectNoPayload(t *testing.T, conn *Conn, d time.Duration) {
	t.Helper()
	select {
	case p, ok := <-conn.Outbound():
		if ok {
			t.Fatalf("unexpected payload %q", p)
		}
	case <-time.After(d):
	}
}
