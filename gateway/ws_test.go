package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pggate/pggate/auth"
	"github.com/pggate/pggate/querier/queriertest"
	"github.com/pggate/pggate/wsproto"
)

type wsFakeConn struct {
	frames []*wsproto.Message
	closed bool
}

func (c *wsFakeConn) WriteJSON(v any) error {
	c.frames = append(c.frames, v.(*wsproto.Message))
	return nil
}

func (c *wsFakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *wsFakeConn) last() *wsproto.Message {
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func TestOpenWithCredentialsRunsAuthorize(t *testing.T) {
	g, fq := newTestGateway(t)
	conn := &wsFakeConn{}
	sess := g.sessions.Bind(strings.Repeat("a", 40), conn, "10.0.0.1", "ws-test")

	session := strings.Repeat("e", 40)
	frame := `{"type":"open","uniqueId":"u-1","payload":{"session":"` + session + `","secret":"topsecret"}}`
	g.handleFrame(context.Background(), sess, []byte(frame))

	call := fq.Last()
	if call == nil {
		t.Fatal("no query submitted")
	}
	if !strings.Contains(call.Text, "daemon.signed_fetch") || !strings.Contains(call.Text, "'/authorize'") {
		t.Fatalf("sql = %s", call.Text)
	}
	// The signing secret must never reach the statement.
	if strings.Contains(call.Text, "topsecret") {
		t.Fatalf("secret leaked into sql: %s", call.Text)
	}

	call.Complete(queriertest.SingleJSON(`{"authorized": true}`), nil)

	resp := conn.last()
	if resp == nil || resp.Type == wsproto.TypeCallError {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.UniqueID != "u-1" {
		t.Fatalf("uniqueId = %q", resp.UniqueID)
	}
}

func TestOpenWithBasicSignsIn(t *testing.T) {
	g, fq := newTestGateway(t)
	conn := &wsFakeConn{}
	sess := g.sessions.Bind(strings.Repeat("b", 40), conn, "10.0.0.1", "ws-test")
	sess.SetAuthorization(auth.Authorization{
		Scheme:   auth.SchemeBasic,
		Source:   auth.SourceHeader,
		Identity: "user",
		Secret:   "pass",
	})

	g.handleFrame(context.Background(), sess, []byte(`{"type":"open","uniqueId":"u-2"}`))

	call := fq.Last()
	if call == nil {
		t.Fatal("no query submitted")
	}
	if !strings.Contains(call.Text, "daemon.authorized_fetch") || !strings.Contains(call.Text, "'/sign/in'") {
		t.Fatalf("sql = %s", call.Text)
	}

	session := strings.Repeat("f", 40)
	call.Complete(queriertest.SingleJSON(`{"session":"`+session+`","secret":"installed"}`), nil)

	if code, secret := sess.Pair(); code != session || secret != "installed" {
		t.Fatalf("pair = %q %q", code, secret)
	}
}

func TestCloseSignsOutAndClearsPair(t *testing.T) {
	g, fq := newTestGateway(t)
	conn := &wsFakeConn{}
	sess := g.sessions.Bind(strings.Repeat("c", 40), conn, "10.0.0.1", "ws-test")
	sess.SetPair(strings.Repeat("c", 40), "secret")

	g.handleFrame(context.Background(), sess, []byte(`{"type":"close","uniqueId":"u-3"}`))

	call := fq.Last()
	if call == nil || !strings.Contains(call.Text, "'/sign/out'") {
		t.Fatalf("call = %+v", call)
	}
	call.Complete(queriertest.SingleJSON(`{}`), nil)

	if code, secret := sess.Pair(); code != "" || secret != "" {
		t.Fatalf("pair not cleared: %q %q", code, secret)
	}
}

func TestCallErrorEnvelopeFrame(t *testing.T) {
	g, fq := newTestGateway(t)
	conn := &wsFakeConn{}
	sess := g.sessions.Bind(strings.Repeat("d", 40), conn, "10.0.0.1", "ws-test")
	sess.SetPair(strings.Repeat("d", 40), "secret")

	g.handleFrame(context.Background(), sess,
		[]byte(`{"type":"call","uniqueId":"u-4","action":"/missing"}`))

	fq.Last().Complete(queriertest.SingleJSON(`{"error":{"code":404,"message":"Not found."}}`), nil)

	resp := conn.last()
	if resp == nil || resp.Type != wsproto.TypeCallError {
		t.Fatalf("resp = %+v", resp)
	}
	var env struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Payload, &env); err != nil || env.Error.Code != 404 {
		t.Fatalf("payload = %s", resp.Payload)
	}
}

func TestMalformedFrameAnswersError(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := &wsFakeConn{}
	sess := g.sessions.Bind(strings.Repeat("e", 40), conn, "10.0.0.1", "ws-test")

	g.handleFrame(context.Background(), sess, []byte(`{"type":"subscribe"}`))

	resp := conn.last()
	if resp == nil || resp.Type != wsproto.TypeCallError {
		t.Fatalf("resp = %+v", resp)
	}
}
