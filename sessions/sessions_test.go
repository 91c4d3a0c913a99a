package sessions

import (
	"strings"
	"testing"

	"github.com/pggate/pggate/auth"
)

type fakeConn struct {
	frames []any
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

var testIdentity = strings.Repeat("a", 40)

func TestBindCreatesAndFinds(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{}

	s := m.Bind(testIdentity, conn, "10.0.0.1", "test-agent")
	if s == nil || s.Identity != testIdentity {
		t.Fatalf("bad session: %+v", s)
	}
	if got := m.FindByIdentity(testIdentity); got != s {
		t.Fatal("FindByIdentity missed")
	}
	if got := m.FindByConn(conn); got != s {
		t.Fatal("FindByConn missed")
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d", m.Len())
	}
}

func TestRebindStealsConnection(t *testing.T) {
	m := NewManager()
	first := &fakeConn{}
	second := &fakeConn{}

	s1 := m.Bind(testIdentity, first, "10.0.0.1", "a")
	s1.SetPair(testIdentity, "shared-secret")

	s2 := m.Bind(testIdentity, second, "10.0.0.2", "a")
	if s2 != s1 {
		t.Fatal("rebind created a new session")
	}
	if !first.closed {
		t.Fatal("displaced connection not closed")
	}
	if _, secret := s2.Pair(); secret != "shared-secret" {
		t.Fatal("session state lost across rebind")
	}
	if got := m.FindByConn(second); got != s1 {
		t.Fatal("session not bound to new connection")
	}

	// The old connection's close arrives after the rebind; it must not
	// tear down the live session.
	m.Disconnect(first)
	if m.FindByIdentity(testIdentity) == nil {
		t.Fatal("stale disconnect removed live session")
	}

	m.Disconnect(second)
	if m.FindByIdentity(testIdentity) != nil {
		t.Fatal("current disconnect left session behind")
	}
}

func TestSendAfterDetach(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{}
	s := m.Bind(testIdentity, conn, "10.0.0.1", "a")

	if err := s.Send(map[string]string{"t": "ping"}); err != nil {
		t.Fatal(err)
	}
	if len(conn.frames) != 1 {
		t.Fatalf("frames = %d", len(conn.frames))
	}

	m.Disconnect(conn)
	if err := s.Send(map[string]string{"t": "ping"}); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestAuthorizationSnapshot(t *testing.T) {
	m := NewManager()
	s := m.Bind(testIdentity, &fakeConn{}, "10.0.0.1", "a")

	a := auth.Authorization{Scheme: auth.SchemeBearer, Token: "tok"}
	s.SetAuthorization(a)
	if got := s.Authorization(); got.Token != "tok" || got.Scheme != auth.SchemeBearer {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestReplyHandlerSingleUse(t *testing.T) {
	m := NewManager()
	s := m.Bind(testIdentity, &fakeConn{}, "10.0.0.1", "a")

	var got []byte
	s.Expect("u-1", func(p []byte) { got = p })

	h, ok := s.TakeHandler("u-1")
	if !ok {
		t.Fatal("handler missing")
	}
	h([]byte(`{"ok":true}`))
	if string(got) != `{"ok":true}` {
		t.Fatalf("payload = %s", got)
	}
	if _, ok := s.TakeHandler("u-1"); ok {
		t.Fatal("handler not single-use")
	}
}
