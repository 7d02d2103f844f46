package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Klein241/bufferwave/internal/dtn"
	"github.com/Klein241/bufferwave/internal/metrics"
	"github.com/Klein241/bufferwave/internal/models"
	"github.com/Klein241/bufferwave/internal/registry"
	"github.com/Klein241/bufferwave/internal/services"
	"github.com/Klein241/bufferwave/internal/storage"
	"github.com/Klein241/bufferwave/internal/tunnel"
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopChannel struct{ id string }

func (nopChannel) Send(any) error { return nil }
func (nopChannel) Close() error   { return nil }

type env struct {
	router *gin.Engine
	reg    *registry.Registry
	queue  *dtn.Queue
	broker *tunnel.Broker
	store  *storage.Memory
	clock  *clock.Mock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()
	store := storage.NewMemory()
	m := metrics.New()

	reg := registry.New(store, mock, registry.Options{}, logger)
	queue := dtn.NewQueue(store, mock, logger)
	broker := tunnel.NewBroker(reg, store, m, tunnel.Options{}, logger)
	network := services.NewNetworkService(reg, queue, broker, store, m, logger)
	m.Watch(network)

	return &env{
		router: NewRouter(NewNetworkHandler(network), NewTunnelHandler(context.Background(), broker, logger), m.Handler(), logger),
		reg:    reg,
		queue:  queue,
		broker: broker,
		store:  store,
		clock:  mock,
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// withChannel gives a registered node an open duplex channel
func (e *env) withChannel(id string) {
	e.reg.AttachChannel(id, &nopChannel{id: id})
}

func TestRegister(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/register", gin.H{"userId": "A", "country": "CM", "bandwidthMbps": 8, "publicKey": "pk"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[services.RegisterResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.NodesActifs)
	assert.Zero(t, resp.MessagesDTNLiberes)

	node, ok := e.reg.Get("A")
	require.True(t, ok)
	assert.Equal(t, 8.0, node.BandwidthMbps)
	stored, ok := e.store.Node("A")
	require.True(t, ok)
	assert.Equal(t, "pk", stored.PublicKey)
}

func TestRegister_Defaults(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/register", gin.H{"userId": "A"})
	require.Equal(t, http.StatusOK, rec.Code)

	node, _ := e.reg.Get("A")
	assert.Equal(t, "OTHER", node.Country)
	assert.Equal(t, 5.0, node.BandwidthMbps)
	assert.Equal(t, "A", node.PublicKey)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body any
	}{
		{"register without user", "/register", gin.H{"country": "CM"}},
		{"register with negative bandwidth", "/register", gin.H{"userId": "A", "bandwidthMbps": -1}},
		{"connect without user", "/connect", gin.H{}},
		{"store without origin", "/store", gin.H{"encryptedPayload": "x"}},
		{"store without payload", "/store", gin.H{"fromUser": "A"}},
		{"heartbeat without user", "/heartbeat", gin.H{}},
		{"disconnect without user", "/disconnect", gin.H{}},
		{"bandwidth without bytes", "/bandwidth", gin.H{"userId": "A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			rec := e.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
			assert.Empty(t, e.reg.All())
			assert.Zero(t, e.queue.Size())
		})
	}
}

func TestConnect_PicksFamilyAndCountryMatch(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "A", "country": "CM", "familyGroup": "fam1"})
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "B", "country": "CM", "familyGroup": "fam1", "bandwidthMbps": 10})
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "C", "country": "FR", "bandwidthMbps": 10})
	e.withChannel("B")
	e.withChannel("C")

	rec := e.do(t, http.MethodPost, "/connect", gin.H{
		"userId":      "A",
		"userProfile": gin.H{"country": "CM", "familyGroup": "fam1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[services.ConnectResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, services.ModeCooperativeRelay, resp.Mode)
	require.NotNil(t, resp.Relay)
	assert.Equal(t, "B", resp.Relay.NodeID)
	assert.Equal(t, "CM", resp.Relay.Country)
	assert.InDelta(t, 220, resp.Relay.Score, 0.001)

	node, _ := e.reg.Get("A")
	assert.Equal(t, models.StatusDischarging, node.Status)
}

func TestConnect_NoNodesMeansIsolation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/connect", gin.H{"userId": "A"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "dtn_isolation", body["mode"])
	assert.NotContains(t, body, "relay")
	assert.EqualValues(t, 0, body["nodesActifs"])
}

func TestConnect_RelayWithoutChannelIsIgnored(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "B", "bandwidthMbps": 10})

	resp := decode[services.ConnectResponse](t, e.do(t, http.MethodPost, "/connect", gin.H{"userId": "A"}))
	assert.Equal(t, services.ModeDTNIsolation, resp.Mode)
}

func TestStore_ReleasedWhenDestinationRegisters(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/store", gin.H{"fromUser": "A", "toUser": "B", "encryptedPayload": "c2VjcmV0"})
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[services.StoreResponse](t, rec)
	assert.True(t, stored.Success)
	assert.Equal(t, services.ModeDTNStored, stored.Mode)
	assert.Equal(t, 1, stored.QueueSize)
	assert.True(t, e.queue.Contains(stored.MessageID))

	reg := decode[services.RegisterResponse](t, e.do(t, http.MethodPost, "/register", gin.H{"userId": "B"}))
	assert.GreaterOrEqual(t, reg.MessagesDTNLiberes, 1)
	assert.False(t, e.queue.Contains(stored.MessageID))

	msg, ok := e.store.Message(stored.MessageID)
	require.True(t, ok)
	assert.Equal(t, models.MessageDelivered, msg.Status)
}

func TestStore_OnlineDestinationReleasesImmediately(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "B"})

	stored := decode[services.StoreResponse](t, e.do(t, http.MethodPost, "/store", gin.H{"fromUser": "A", "toUser": "B", "encryptedPayload": "x"}))
	assert.Zero(t, stored.QueueSize)
	assert.False(t, e.queue.Contains(stored.MessageID))
}

func TestHeartbeat(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "B"})
	e.do(t, http.MethodPost, "/store", gin.H{"fromUser": "B", "encryptedPayload": "x"})
	e.clock.Add(50 * time.Second)

	resp := decode[services.HeartbeatResponse](t, e.do(t, http.MethodPost, "/heartbeat", gin.H{"userId": "B"}))
	assert.True(t, resp.Success)
	assert.Equal(t, e.clock.Now().UnixMilli(), resp.Timestamp)
	assert.Zero(t, e.queue.Size())

	node, _ := e.reg.Get("B")
	assert.Equal(t, e.clock.Now(), node.LastSeen)

	unknown := decode[services.HeartbeatResponse](t, e.do(t, http.MethodPost, "/heartbeat", gin.H{"userId": "ghost"}))
	assert.False(t, unknown.Success)
}

func TestDisconnect(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "A"})
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "B", "bandwidthMbps": 10})
	e.withChannel("B")
	e.do(t, http.MethodPost, "/connect", gin.H{"userId": "A"})
	require.Equal(t, 1, e.broker.SessionCount())

	rec := e.do(t, http.MethodPost, "/disconnect", gin.H{"userId": "A"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	node, _ := e.reg.Get("A")
	assert.Equal(t, models.StatusOffline, node.Status)
	assert.Zero(t, e.broker.SessionCount())
}

func TestBandwidth(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "B"})

	e.do(t, http.MethodPost, "/bandwidth", gin.H{"userId": "B", "bytesRelayed": 4000})
	rec := e.do(t, http.MethodPost, "/bandwidth", gin.H{"userId": "B", "bytesRelayed": 1000})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5000), decode[services.BandwidthResponse](t, rec).TotalBytesRelayed)

	stored, _ := e.store.Node("B")
	assert.Equal(t, int64(5000), stored.BytesRelayed)

	rec = e.do(t, http.MethodPost, "/bandwidth", gin.H{"userId": "ghost", "bytesRelayed": 1000})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListNodes(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "A", "country": "CM"})
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "B", "country": "FR"})
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "C"})
	e.do(t, http.MethodPost, "/disconnect", gin.H{"userId": "C"})
	e.withChannel("B")
	e.do(t, http.MethodPost, "/store", gin.H{"fromUser": "X", "toUser": "Y", "encryptedPayload": "p"})

	resp := decode[services.NodesResponse](t, e.do(t, http.MethodGet, "/nodes", nil))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.DTNQueueSize)
	require.Len(t, resp.Nodes, 2)
	assert.Equal(t, "A", resp.Nodes[0].ID)
	assert.False(t, resp.Nodes[0].HasTunnel)
	assert.Equal(t, "B", resp.Nodes[1].ID)
	assert.True(t, resp.Nodes[1].HasTunnel)
	assert.Equal(t, e.clock.Now().UnixMilli(), resp.Nodes[1].LastSeen)
}

func TestStatus(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "A"})
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "B", "bandwidthMbps": 10})
	e.withChannel("B")
	e.do(t, http.MethodPost, "/connect", gin.H{"userId": "A"})
	e.clock.Add(90 * time.Second)

	resp := decode[services.StatusResponse](t, e.do(t, http.MethodGet, "/status", nil))
	assert.Equal(t, services.NetworkName, resp.Network)
	assert.Equal(t, 2, resp.Nodes.Total)
	assert.Equal(t, 1, resp.Nodes.Online)
	assert.Equal(t, 1, resp.Tunnels.Active)
	assert.Equal(t, 1, resp.Tunnels.Channels)
	assert.Zero(t, resp.DTN.QueueSize)
	assert.InDelta(t, 90, resp.Uptime, 0.001)
}

func TestSweepReportsSilentNodeOffline(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/register", gin.H{"userId": "A"})
	e.clock.Add(61 * time.Second)

	e.reg.Sweep(context.Background())

	resp := decode[services.NodesResponse](t, e.do(t, http.MethodGet, "/nodes", nil))
	assert.Zero(t, resp.Total)
	node, _ := e.reg.Get("A")
	assert.Equal(t, models.StatusOffline, node.Status)
}

func TestHealthPreflightAndMetrics(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodOptions, "/register", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/nope", nil).Code)

	e.do(t, http.MethodPost, "/register", gin.H{"userId": "A"})
	rec := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bufferwave_nodes{status="online"} 1`)
}
