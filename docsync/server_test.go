package docsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testServer struct {
	server     *Server
	httpServer *httptest.Server
}

func newTestServer(t *testing.T, settings *ServerSettings, roots func() []*Model) *testServer {
	registry := newTestRegistry()
	documentFactory := func(sessionId string) (*Document, error) {
		doc := NewDocument(registry)
		if roots != nil {
			for _, root := range roots() {
				if err := doc.AddRoot(root); err != nil {
					return nil, err
				}
			}
		}
		return doc, nil
	}
	server := NewServer(context.Background(), registry, documentFactory, settings)
	return &testServer{
		server:     server,
		httpServer: httptest.NewServer(server),
	}
}

func (self *testServer) Close() {
	self.server.Close()
	self.httpServer.Close()
}

func (self *testServer) connect(t *testing.T, sessionId string, token string) (*ClientConnection, *ClientSession) {
	settings := DefaultConnectionSettings()
	settings.Reconnect = false
	settings.Token = token
	connection, err := NewClientConnection(context.Background(), self.httpServer.URL, sessionId, newTestRegistry(), settings)
	assert.Equal(t, err, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := connection.PullSession(ctx)
	assert.Equal(t, err, nil)
	return connection, session
}

func roundtrip(t *testing.T, sessions ...*ClientSession) {
	for _, session := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := session.ForceRoundtrip(ctx)
		cancel()
		assert.Equal(t, err, nil)
	}
}

func getModel(t *testing.T, session *ClientSession, name string) *Model {
	var model *Model
	session.Update(func(doc *Document) error {
		var err error
		model, err = doc.GetModelByName(name)
		assert.Equal(t, err, nil)
		return nil
	})
	return model
}

func TestServerSync(t *testing.T) {
	s := newTestServer(t, DefaultServerSettings(), func() []*Model {
		return []*Model{
			newTestModel(t, map[string]any{"name": "a", "x": 1}),
		}
	})
	defer s.Close()

	connection1, session1 := s.connect(t, "s1", "")
	defer connection1.Close()
	connection2, session2 := s.connect(t, "s1", "")
	defer connection2.Close()

	serverSession, ok := s.server.Session("s1")
	assert.Equal(t, ok, true)
	assert.Equal(t, serverSession.ConnectionCount(), 2)

	// both clients pulled the same document
	a1 := getModel(t, session1, "a")
	a2 := getModel(t, session2, "a")
	assert.Equal(t, a1.Id(), a2.Id())

	session1.Update(func(doc *Document) error {
		return a1.Setv(map[string]any{"x": 2})
	})
	roundtrip(t, session1, session2)
	session2.Update(func(doc *Document) error {
		assert.Equal(t, a2.RequireGetv("x"), 2.0)
		return nil
	})
	serverSession.WithDocumentLocked(func(doc *Document) error {
		m, err := doc.GetModelByName("a")
		assert.Equal(t, err, nil)
		assert.Equal(t, m.RequireGetv("x"), 2.0)
		return nil
	})

	// new models and column data
	var sourceId string
	session2.Update(func(doc *Document) error {
		source, err := NewColumnDataSource(map[string]any{"y": []any{1, 2}})
		assert.Equal(t, err, nil)
		sourceId = source.Id()
		b := newTestModel(t, map[string]any{"name": "b", "child": source})
		return doc.AddRoot(b)
	})
	roundtrip(t, session2, session1)
	session1.Update(func(doc *Document) error {
		source, ok := doc.GetModelById(sourceId)
		assert.Equal(t, ok, true)
		return Stream(source, map[string]any{"y": []any{3}}, 0)
	})
	roundtrip(t, session1, session2)
	session2.Update(func(doc *Document) error {
		source, ok := doc.GetModelById(sourceId)
		assert.Equal(t, ok, true)
		data, _ := ColumnDataOf(source)
		assert.Equal(t, data["y"], []float64{1, 2, 3})
		return nil
	})

	// a third client sees everything
	connection3, session3 := s.connect(t, "s1", "")
	defer connection3.Close()
	b3 := getModel(t, session3, "b")
	session3.Update(func(doc *Document) error {
		source := b3.RequireGetv("child").(*Model)
		data, _ := ColumnDataOf(source)
		assert.Equal(t, data["y"], []float64{1, 2, 3})
		return nil
	})

	// sessions are isolated
	connection4, session4 := s.connect(t, "s2", "")
	defer connection4.Close()
	a4 := getModel(t, session4, "a")
	session4.Update(func(doc *Document) error {
		assert.Equal(t, a4.RequireGetv("x"), 1.0)
		return nil
	})
	assert.Equal(t, len(s.server.Sessions()), 2)
}

func TestServerRelayExcludesOrigin(t *testing.T) {
	s := newTestServer(t, DefaultServerSettings(), nil)
	defer s.Close()

	connectionUrl, err := BuildUrl(s.httpServer.URL, DefaultProtocolVersion, "s1", nil)
	assert.Equal(t, err, nil)
	socket, err := NewWsDialer(DefaultSocketSettings())(context.Background(), connectionUrl, "")
	assert.Equal(t, err, nil)
	defer socket.Close(CloseNormal, "done")
	peer := newTestPeer(socket)

	message, err := peer.receive()
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type(), MessageAck)

	pull := NewPullDocReqMessage()
	peer.send(pull)
	message, err = peer.receive()
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type(), MessagePullDocReply)
	assert.Equal(t, message.ReqId(), pull.Id())
	content, err := message.ContentMap()
	assert.Equal(t, err, nil)

	doc, err := FromJSON(newTestRegistry(), content["doc"].(map[string]any))
	assert.Equal(t, err, nil)
	events := []DocumentChangedEvent{}
	doc.OnChange(func(event DocumentChangedEvent) {
		events = append(events, event)
	})
	doc.SetTitle("changed")
	patch, err := doc.CreateJSONPatch(events)
	assert.Equal(t, err, nil)
	patchMessage, err := NewPatchDocMessage(patch)
	assert.Equal(t, err, nil)
	peer.send(patchMessage)
	infoRequest := NewServerInfoReqMessage()
	peer.send(infoRequest)

	// the patch is acknowledged, never echoed
	message, err = peer.receive()
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type(), MessageOk)
	assert.Equal(t, message.ReqId(), patchMessage.Id())
	message, err = peer.receive()
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type(), MessageServerInfoReply)
	assert.Equal(t, message.ReqId(), infoRequest.Id())
	var info ServerInfo
	err = message.DecodeContent(&info)
	assert.Equal(t, err, nil)
	assert.Equal(t, info.VersionInfo.Server, ServerVersion)

	serverSession, _ := s.server.Session("s1")
	serverSession.WithDocumentLocked(func(doc *Document) error {
		assert.Equal(t, doc.Title(), "changed")
		return nil
	})

	// push replaces the server document
	pushed := NewDocument(newTestRegistry())
	pushed.SetTitle("pushed")
	pushed.AddRoot(newTestModel(t, map[string]any{"name": "p"}))
	pushMessage, err := NewPushDocMessage(pushed.ToJSON(false))
	assert.Equal(t, err, nil)
	peer.send(pushMessage)
	message, err = peer.receive()
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type(), MessageOk)
	serverSession.WithDocumentLocked(func(doc *Document) error {
		assert.Equal(t, doc.Title(), "pushed")
		_, err := doc.GetModelByName("p")
		assert.Equal(t, err, nil)
		return nil
	})

	// unsupported requests are answered with ERROR
	reply := NewOkMessage("")
	peer.send(reply)
	message, err = peer.receive()
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type(), MessageError)
	assert.Equal(t, message.ReqId(), reply.Id())
}

func TestServerEvents(t *testing.T) {
	s := newTestServer(t, DefaultServerSettings(), nil)
	defer s.Close()

	serverEvents := make(chan map[string]any, 1)
	s.server.OnEvent(func(session *ServerSession, event map[string]any) {
		serverEvents <- event
	})

	connection, session := s.connect(t, "s1", "")
	defer connection.Close()

	clientEvents := make(chan map[string]any, 1)
	session.OnEvent(func(event map[string]any) {
		clientEvents <- event
	})

	err := session.SendEvent(context.Background(), map[string]any{"name": "click"})
	assert.Equal(t, err, nil)
	assert.Equal(t, <-serverEvents, map[string]any{"name": "click"})

	serverSession, _ := s.server.Session("s1")
	err = serverSession.SendEvent(map[string]any{"name": "hello"})
	assert.Equal(t, err, nil)
	assert.Equal(t, <-clientEvents, map[string]any{"name": "hello"})
}

func TestServerToken(t *testing.T) {
	settings := DefaultServerSettings()
	settings.SecretKey = "secret"
	s := newTestServer(t, settings, nil)
	defer s.Close()

	token, err := GenerateSessionToken("s1", "secret", time.Minute, nil)
	assert.Equal(t, err, nil)
	connection, session := s.connect(t, "s1", token)
	defer connection.Close()
	roundtrip(t, session)

	for _, badToken := range []string{"", token} {
		// the token is for s1
		clientSettings := DefaultConnectionSettings()
		clientSettings.Reconnect = false
		clientSettings.Token = badToken
		badConnection, err := NewClientConnection(context.Background(), s.httpServer.URL, "s2", newTestRegistry(), clientSettings)
		assert.Equal(t, err, nil)
		err = badConnection.Connect(context.Background())
		assert.NotEqual(t, err, nil)
		assert.Equal(t, badConnection.State(), Disconnected)
		badConnection.Close()
	}

	wrongKey, err := GenerateSessionToken("s1", "other", time.Minute, nil)
	assert.Equal(t, err, nil)
	clientSettings := DefaultConnectionSettings()
	clientSettings.Token = wrongKey
	badConnection, err := NewClientConnection(context.Background(), s.httpServer.URL, "s1", newTestRegistry(), clientSettings)
	assert.Equal(t, err, nil)
	err = badConnection.Connect(context.Background())
	assert.NotEqual(t, err, nil)
	badConnection.Close()
}

func TestServerBadRequest(t *testing.T) {
	s := newTestServer(t, DefaultServerSettings(), nil)
	defer s.Close()

	response, err := http.Get(s.httpServer.URL + "?protocol-version=0.1&session-id=s1")
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusBadRequest)

	response, err = http.Get(s.httpServer.URL + "?protocol-version=" + DefaultProtocolVersion)
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusBadRequest)
}
