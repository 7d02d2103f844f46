package tunnel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Klein241/bufferwave/internal/models"
	"github.com/Klein241/bufferwave/internal/registry"
	"github.com/Klein241/bufferwave/internal/relay"
	"github.com/Klein241/bufferwave/internal/storage"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder is a channel that keeps every frame sent to it
type recorder struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	fail   bool
}

func (r *recorder) Send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail || r.closed {
		return errors.New("channel closed")
	}
	r.frames = append(r.frames, v.(Frame))
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func (r *recorder) Last() Frame {
	frames := r.Frames()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

type fixture struct {
	reg    *registry.Registry
	store  *storage.Memory
	broker *Broker
	clock  *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storage.NewMemory()
	reg := registry.New(store, mock, registry.Options{}, zap.NewNop())
	return &fixture{
		reg:    reg,
		store:  store,
		broker: NewBroker(reg, store, nil, Options{}, zap.NewNop()),
		clock:  mock,
	}
}

// join registers a node and identifies a channel for it
func (f *fixture) join(id, country, family string, bw float64) (*Peer, *recorder) {
	ctx := context.Background()
	f.reg.Register(ctx, id, models.NodeAttrs{Country: country, FamilyGroup: family, BandwidthMbps: bw})
	ch := &recorder{}
	peer := NewPeer(ch)
	f.broker.Handle(ctx, peer, Identify{UserID: id, Role: RoleRelay})
	return peer, ch
}

func TestIdentify_BindsAndAcknowledges(t *testing.T) {
	f := newFixture(t)
	_, ch := f.join("B", "CM", "", 10)

	assert.Equal(t, Identified{UserID: "B", Role: RoleRelay}, ch.Last())
	node, ok := f.reg.Get("B")
	require.True(t, ok)
	assert.True(t, node.HasChannel)
	assert.Equal(t, models.StatusOnline, node.Status)
}

func TestConnect_PicksRelayAndNotifiesIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join("A", "CM", "fam1", 5)
	_, chB := f.join("B", "CM", "fam1", 10)
	f.join("C", "FR", "", 10)

	res, ok := f.broker.Connect(ctx, "A", relay.Profile{Country: "CM", FamilyGroup: "fam1"})
	require.True(t, ok)
	assert.Equal(t, "B", res.Relay.Node.UserID)
	assert.Equal(t, RelayRequest{FromUserID: "A", Message: "you will relay traffic for A"}, chB.Last())

	node, _ := f.reg.Get("A")
	assert.Equal(t, models.StatusDischarging, node.Status)

	session, ok := f.broker.Session("A")
	require.True(t, ok)
	assert.Equal(t, "B", session.RelayID)
	require.Len(t, f.store.Sessions(), 1)
	assert.Equal(t, models.SessionActive, f.store.Sessions()[0].Status)
}

func TestConnect_NoRelay(t *testing.T) {
	f := newFixture(t)
	_, ok := f.broker.Connect(context.Background(), "A", relay.Profile{})
	assert.False(t, ok)
	assert.Zero(t, f.broker.SessionCount())
}

func TestConnect_SupersedesPreviousSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join("A", "CM", "", 5)
	f.join("B", "CM", "", 10)

	_, ok := f.broker.Connect(ctx, "A", relay.Profile{Country: "CM"})
	require.True(t, ok)
	_, ok = f.broker.Connect(ctx, "A", relay.Profile{Country: "CM"})
	require.True(t, ok)

	assert.Equal(t, 1, f.broker.SessionCount())
	sessions := f.store.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, models.SessionEnded, sessions[0].Status)
	assert.Equal(t, models.SessionActive, sessions[1].Status)
}

func TestForward_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peerA, chA := f.join("A", "CM", "", 5)
	peerB, chB := f.join("B", "CM", "", 10)
	_, ok := f.broker.Connect(ctx, "A", relay.Profile{Country: "CM"})
	require.True(t, ok)

	f.broker.Handle(ctx, peerA, Forward{RequestID: "r1", Target: "example.com:80", Payload: []byte("GET /")})
	assert.Equal(t, ForwardToTarget{FromUserID: "A", RequestID: "r1", Target: "example.com:80", Payload: []byte("GET /")}, chB.Last())
	assert.Equal(t, 1, f.broker.InFlight())

	f.broker.Handle(ctx, peerB, Response{ToUserID: "A", RequestID: "r1", Payload: []byte("200 OK")})
	assert.Equal(t, ResponseToSource{RequestID: "r1", Payload: []byte("200 OK")}, chA.Last())

	f.broker.Handle(ctx, peerA, Forward{RequestID: "r1", Close: true})
	assert.Equal(t, ForwardToTarget{FromUserID: "A", RequestID: "r1", Target: "example.com:80", Close: true}, chB.Last())
	assert.Equal(t, 1, f.broker.InFlight(), "response direction still open")

	f.broker.Handle(ctx, peerB, Response{ToUserID: "A", RequestID: "r1", Close: true})
	assert.Equal(t, ResponseToSource{RequestID: "r1", Close: true}, chA.Last())
	assert.Zero(t, f.broker.InFlight())
}

func TestForward_WithoutSessionGetsDTNMode(t *testing.T) {
	f := newFixture(t)
	peerA, chA := f.join("A", "CM", "", 5)

	f.broker.Handle(context.Background(), peerA, Forward{RequestID: "r1", Target: "h:80"})

	lost, ok := chA.Last().(DTNMode)
	require.True(t, ok)
	assert.Equal(t, "r1", lost.RequestID)
}

func TestForward_FromUnidentifiedChannelIsDropped(t *testing.T) {
	f := newFixture(t)
	ch := &recorder{}
	f.broker.Handle(context.Background(), NewPeer(ch), Forward{RequestID: "r1"})
	assert.Empty(t, ch.Frames())
}

func TestForward_AfterRelayChannelClosesGetsRelayLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peerA, chA := f.join("A", "CM", "", 5)
	peerB, _ := f.join("B", "CM", "", 10)
	_, ok := f.broker.Connect(ctx, "A", relay.Profile{Country: "CM"})
	require.True(t, ok)

	f.broker.Closed(ctx, peerB)
	node, _ := f.reg.Get("B")
	assert.Equal(t, models.StatusOffline, node.Status)

	f.broker.Handle(ctx, peerA, Forward{RequestID: "r2", Target: "h:80", Payload: []byte("x")})

	lost, ok := chA.Last().(RelayLost)
	require.True(t, ok, "expected RELAY_LOST, got %#v", chA.Last())
	assert.Equal(t, "r2", lost.RequestID)
	assert.Zero(t, f.broker.InFlight())
}

func TestForward_SendFailureGetsRelayLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peerA, chA := f.join("A", "CM", "", 5)
	_, chB := f.join("B", "CM", "", 10)
	_, ok := f.broker.Connect(ctx, "A", relay.Profile{})
	require.True(t, ok)

	chB.mu.Lock()
	chB.fail = true
	chB.mu.Unlock()
	f.broker.Handle(ctx, peerA, Forward{RequestID: "r1", Target: "h:80"})

	_, ok = chA.Last().(RelayLost)
	assert.True(t, ok)
}

func TestClosed_RelayTearsDownInFlightStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peerA, chA := f.join("A", "CM", "", 5)
	peerB, _ := f.join("B", "CM", "", 10)
	_, ok := f.broker.Connect(ctx, "A", relay.Profile{})
	require.True(t, ok)
	f.broker.Handle(ctx, peerA, Forward{RequestID: "r1", Target: "h:80"})

	f.broker.Closed(ctx, peerB)

	assert.Equal(t, RelayLost{RequestID: "r1", Message: relayLostMessage}, chA.Last())
	assert.Zero(t, f.broker.InFlight())
	_, stillActive := f.broker.Session("A")
	assert.True(t, stillActive, "only the source side owns the session")
}

func TestClosed_SourceClosesRelayStreamsAndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peerA, _ := f.join("A", "CM", "", 5)
	_, chB := f.join("B", "CM", "", 10)
	_, ok := f.broker.Connect(ctx, "A", relay.Profile{})
	require.True(t, ok)
	f.broker.Handle(ctx, peerA, Forward{RequestID: "r1", Target: "h:80"})

	f.broker.Closed(ctx, peerA)

	assert.Equal(t, ForwardToTarget{FromUserID: "A", RequestID: "r1", Target: "h:80", Close: true}, chB.Last())
	_, active := f.broker.Session("A")
	assert.False(t, active)
	node, _ := f.reg.Get("A")
	assert.Equal(t, models.StatusOffline, node.Status)
	assert.Equal(t, models.SessionEnded, f.store.Sessions()[0].Status)
}

func TestClosed_StaleChannelKeepsNewerBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old, oldCh := f.join("B", "CM", "", 10)

	fresh := &recorder{}
	f.broker.Handle(ctx, NewPeer(fresh), Identify{UserID: "B", Role: RoleRelay})
	assert.True(t, oldCh.closed)

	f.broker.Closed(ctx, old)

	ch, ok := f.reg.Channel("B")
	require.True(t, ok)
	assert.Equal(t, registry.Channel(fresh), ch)
	node, _ := f.reg.Get("B")
	assert.Equal(t, models.StatusOnline, node.Status)
}

func TestResponse_ToClosedSourceIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peerB, _ := f.join("B", "CM", "", 10)

	assert.NotPanics(t, func() {
		f.broker.Handle(ctx, peerB, Response{ToUserID: "gone", RequestID: "r1", Payload: []byte("x")})
	})
}

func TestResponse_OnlyFromTheStreamsRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peerA, chA := f.join("A", "CM", "", 5)
	peerB, _ := f.join("B", "CM", "", 10)
	peerC, _ := f.join("C", "FR", "", 1)
	_, ok := f.broker.Connect(ctx, "A", relay.Profile{Country: "CM"})
	require.True(t, ok)
	f.broker.Handle(ctx, peerA, Forward{RequestID: "r1", Target: "example.com:80", Payload: []byte("GET /")})
	before := len(chA.Frames())

	f.broker.Handle(ctx, peerC, Response{ToUserID: "A", RequestID: "r1", Payload: []byte("injected"), Close: true})
	f.broker.Handle(ctx, peerB, Response{ToUserID: "A", RequestID: "unknown", Payload: []byte("stray")})
	assert.Len(t, chA.Frames(), before)
	assert.Equal(t, 1, f.broker.InFlight(), "a foreign close does not settle the stream")

	f.broker.Handle(ctx, peerB, Response{ToUserID: "A", RequestID: "r1", Payload: []byte("200 OK")})
	assert.Equal(t, ResponseToSource{RequestID: "r1", Payload: []byte("200 OK")}, chA.Last())
}

func TestPing_RefreshesLastSeen(t *testing.T) {
	f := newFixture(t)
	peer, ch := f.join("B", "CM", "", 10)
	f.clock.Add(20 * time.Second)

	f.broker.Handle(context.Background(), peer, Ping{})

	assert.Equal(t, Pong{Timestamp: f.clock.Now().UnixMilli()}, ch.Last())
	node, _ := f.reg.Get("B")
	assert.Equal(t, f.clock.Now(), node.LastSeen)
}

func TestServe_OverWebsocket(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.reg.Register(ctx, "B", models.NodeAttrs{BandwidthMbps: 10})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.broker.Serve(ctx, NewConn(ws))
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/tunnel", nil)
	require.NoError(t, err)
	client := NewConn(ws)

	require.NoError(t, client.Send(Identify{UserID: "B", Role: RoleRelay}))
	frame, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, Identified{UserID: "B", Role: RoleRelay}, frame)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"SOMETHING_NEW"}`)))
	require.NoError(t, client.Send(Ping{}))
	frame, err = client.Receive()
	require.NoError(t, err)
	assert.IsType(t, Pong{}, frame)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		node, _ := f.reg.Get("B")
		return node.Status == models.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.reg.ChannelCount())
}
