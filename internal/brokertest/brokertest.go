// Package brokertest runs a complete in-process broker for tests of the
// device side.
package brokertest

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/Klein241/bufferwave/internal/dtn"
	"github.com/Klein241/bufferwave/internal/handlers"
	"github.com/Klein241/bufferwave/internal/metrics"
	"github.com/Klein241/bufferwave/internal/registry"
	"github.com/Klein241/bufferwave/internal/services"
	"github.com/Klein241/bufferwave/internal/storage"
	"github.com/Klein241/bufferwave/internal/tunnel"
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Server is a running broker
type Server struct {
	URL      string
	Registry *registry.Registry
	Queue    *dtn.Queue
	Broker   *tunnel.Broker
	Store    *storage.Memory
	Network  *services.NetworkService

	http   *httptest.Server
	cancel context.CancelFunc
}

// New starts a broker on a loopback port and stops it when the test ends
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	clk := clock.New()
	store := storage.NewMemory()
	m := metrics.New()

	reg := registry.New(store, clk, registry.Options{}, logger)
	queue := dtn.NewQueue(store, clk, logger)
	broker := tunnel.NewBroker(reg, store, m, tunnel.Options{}, logger)
	network := services.NewNetworkService(reg, queue, broker, store, m, logger)
	m.Watch(network)

	ctx, cancel := context.WithCancel(context.Background())
	router := handlers.NewRouter(
		handlers.NewNetworkHandler(network),
		handlers.NewTunnelHandler(ctx, broker, logger),
		m.Handler(),
		logger,
	)

	s := &Server{
		Registry: reg,
		Queue:    queue,
		Broker:   broker,
		Store:    store,
		Network:  network,
		http:     httptest.NewServer(router),
		cancel:   cancel,
	}
	s.URL = s.http.URL
	t.Cleanup(s.Close)
	return s
}

// Close drops every channel and stops the listener
func (s *Server) Close() {
	s.cancel()
	s.http.CloseClientConnections()
	s.http.Close()
}
