package hostapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaymd/internal/hostproto"
	"github.com/agentworkforce/relaymd/internal/syncengine"
	"github.com/agentworkforce/relaymd/internal/transport"
)

func TestWebSocketRequiresAuth(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, nil))
	defer srv.Close()
	url, _ := transport.WebSocketURL(srv.URL, "notes")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatalf("expected dial without a token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWebSocketPushesHostValues(t *testing.T) {
	server := NewServer(nil, nil)
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialDocument(ctx, t, srv.URL, mustTestJWT(t, "dev-secret", "notes", []string{scopeRead}))
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForSessions(t, server, "notes", 1)

	if _, err := server.SetContent(ctx, "notes", "from the host"); err != nil {
		t.Fatalf("set content: %v", err)
	}
	var msg hostproto.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read value: %v", err)
	}
	if msg.Type != hostproto.TypeValue || !msg.HostValue().Equal(syncengine.Some("from the host")) || msg.Revision != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestWebSocketEnvelopeAckedAndRelayedToOthers(t *testing.T) {
	server := NewServer(nil, nil)
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := mustTestJWT(t, "dev-secret", "notes", []string{scopeRead, scopeWrite})
	sender := dialDocument(ctx, t, srv.URL, token)
	defer sender.Close(websocket.StatusNormalClosure, "")
	watcher := dialDocument(ctx, t, srv.URL, token)
	defer watcher.Close(websocket.StatusNormalClosure, "")
	waitForSessions(t, server, "notes", 2)

	env := syncengine.Envelope{ID: "env_1", Seq: 1, Content: "typed", Attachments: []syncengine.PendingAttachment{}}
	if err := wsjson.Write(ctx, sender, hostproto.EnvelopeMessage(env)); err != nil {
		t.Fatalf("write envelope: %v", err)
	}

	var ack hostproto.Message
	if err := wsjson.Read(ctx, sender, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != hostproto.TypeAck || ack.ID != "env_1" || ack.Revision != 1 {
		t.Fatalf("expected ack for env_1 at revision 1, got %+v", ack)
	}

	var value hostproto.Message
	if err := wsjson.Read(ctx, watcher, &value); err != nil {
		t.Fatalf("read relayed value: %v", err)
	}
	if value.Type != hostproto.TypeValue || !value.HostValue().Equal(syncengine.Some("typed")) {
		t.Fatalf("expected relayed value, got %+v", value)
	}
}

func TestWebSocketReadOnlySessionCannotWrite(t *testing.T) {
	server := NewServer(nil, nil)
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialDocument(ctx, t, srv.URL, mustTestJWT(t, "dev-secret", "notes", []string{scopeRead}))
	defer conn.Close(websocket.StatusNormalClosure, "")

	env := syncengine.Envelope{ID: "env_1", Content: "nope", Attachments: []syncengine.PendingAttachment{}}
	if err := wsjson.Write(ctx, conn, hostproto.EnvelopeMessage(env)); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
	var msg hostproto.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if msg.Type != hostproto.TypeError || msg.Code != "forbidden" {
		t.Fatalf("expected forbidden error, got %+v", msg)
	}
	if _, err := server.Document(ctx, "notes"); err == nil {
		t.Fatalf("expected no document to be written")
	}
}

func TestWebSocketTransportDeliversToServer(t *testing.T) {
	server := NewServer(nil, nil)
	srv := httptest.NewServer(server)
	defer srv.Close()

	url, err := transport.WebSocketURL(srv.URL, "notes")
	if err != nil {
		t.Fatalf("websocket url: %v", err)
	}
	acks := make(chan hostproto.Message, 1)
	tr, err := transport.NewWebSocketTransport(transport.WebSocketOptions{
		URL:       url,
		Token:     mustTestJWT(t, "dev-secret", "notes", []string{scopeRead, scopeWrite}),
		BaseDelay: time.Millisecond,
		OnAck:     func(m hostproto.Message) { acks <- m },
	})
	if err != nil {
		t.Fatalf("new websocket transport: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = tr.Run(ctx) }()

	if err := tr.Send(ctx, syncengine.Envelope{ID: "env_1", Seq: 1, Content: "over the socket"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.SendLayout(ctx, 640); err != nil {
		t.Fatalf("send layout: %v", err)
	}
	select {
	case ack := <-acks:
		if ack.ID != "env_1" {
			t.Fatalf("expected ack for env_1, got %+v", ack)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ack")
	}
	doc, err := server.Document(ctx, "notes")
	if err != nil || doc.Content != "over the socket" {
		t.Fatalf("expected delivered content, got %+v (%v)", doc, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h, ok := server.Layout("notes"); ok && h == 640 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected layout height 640 to reach the server")
}

func TestPushMessageDropsOldest(t *testing.T) {
	ch := make(chan hostproto.Message, 2)
	pushMessage(ch, hostproto.AckMessage("a", 1, 1))
	pushMessage(ch, hostproto.AckMessage("b", 2, 2))
	pushMessage(ch, hostproto.AckMessage("c", 3, 3))
	first := <-ch
	second := <-ch
	if first.ID != "b" || second.ID != "c" {
		t.Fatalf("expected b then c, got %s then %s", first.ID, second.ID)
	}
}

func dialDocument(ctx context.Context, t *testing.T, baseURL, token string) *websocket.Conn {
	t.Helper()
	url, err := transport.WebSocketURL(baseURL, "notes")
	if err != nil {
		t.Fatalf("websocket url: %v", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForSessions(t *testing.T, server *Server, documentID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.Sessions(documentID) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sessions on %s, got %d", n, documentID, server.Sessions(documentID))
}

func TestWebSocketLayoutReachesOtherSessions(t *testing.T) {
	server := NewServer(nil, nil)
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := mustTestJWT(t, "dev-secret", "notes", []string{scopeRead, scopeWrite})
	resizer := dialDocument(ctx, t, srv.URL, token)
	defer resizer.Close(websocket.StatusNormalClosure, "")
	other := dialDocument(ctx, t, srv.URL, token)
	defer other.Close(websocket.StatusNormalClosure, "")
	waitForSessions(t, server, "notes", 2)

	if err := wsjson.Write(ctx, resizer, hostproto.LayoutMessage(500)); err != nil {
		t.Fatalf("write layout: %v", err)
	}
	var msg hostproto.Message
	if err := wsjson.Read(ctx, other, &msg); err != nil {
		t.Fatalf("read layout: %v", err)
	}
	if msg.Type != hostproto.TypeLayout || msg.Height == nil || *msg.Height != 500 {
		t.Fatalf("expected layout 500, got %+v", msg)
	}
	if h, ok := server.Layout("notes"); !ok || h != 500 {
		t.Fatalf("expected stored layout 500, got %d (%v)", h, ok)
	}
}
