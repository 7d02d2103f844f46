package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Klein241/bufferwave/internal/models"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu       sync.Mutex
	fail     error
	upserts  []models.Node
	statuses map[string]models.NodeStatus
}

func (f *fakeStore) UpsertNode(_ context.Context, node models.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.upserts = append(f.upserts, node)
	return nil
}

func (f *fakeStore) SetNodeStatus(_ context.Context, userID string, status models.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.statuses == nil {
		f.statuses = make(map[string]models.NodeStatus)
	}
	f.statuses[userID] = status
	return nil
}

type nopChannel struct{ id int }

func (nopChannel) Send(any) error { return nil }
func (nopChannel) Close() error   { return nil }

func newTestRegistry(store NodeStore) (*Registry, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(store, mock, Options{}, zap.NewNop()), mock
}

func TestRegister_UpsertsAndPersists(t *testing.T) {
	store := &fakeStore{}
	reg, mock := newTestRegistry(store)

	node := reg.Register(context.Background(), "A", models.NodeAttrs{Country: "CM", BandwidthMbps: 5, FamilyGroup: "fam1"})
	assert.Equal(t, models.StatusOnline, node.Status)
	assert.Equal(t, mock.Now(), node.LastSeen)

	reg.MarkOffline(context.Background(), "A")
	mock.Add(time.Second)
	node = reg.Register(context.Background(), "A", models.NodeAttrs{Country: "FR", BandwidthMbps: 8})

	assert.Equal(t, models.StatusOnline, node.Status)
	assert.Equal(t, "FR", node.Country)
	assert.Len(t, reg.All(), 1)
	assert.Len(t, store.upserts, 2)
}

func TestRegister_PersistenceFailureIsNotFatal(t *testing.T) {
	reg, _ := newTestRegistry(&fakeStore{fail: errors.New("database down")})

	reg.Register(context.Background(), "A", models.NodeAttrs{Country: "CM"})

	node, ok := reg.Get("A")
	require.True(t, ok)
	assert.Equal(t, models.StatusOnline, node.Status)
}

func TestTouch(t *testing.T) {
	reg, mock := newTestRegistry(nil)
	assert.False(t, reg.Touch("ghost"))

	reg.Register(context.Background(), "A", models.NodeAttrs{})
	require.NoError(t, reg.SetStatus("A", models.StatusDischarging))
	mock.Add(10 * time.Second)

	assert.True(t, reg.Touch("A"))
	node, _ := reg.Get("A")
	assert.Equal(t, models.StatusOnline, node.Status)
	assert.Equal(t, mock.Now(), node.LastSeen)
}

func TestSeen_KeepsStatus(t *testing.T) {
	reg, mock := newTestRegistry(nil)
	reg.Register(context.Background(), "A", models.NodeAttrs{})
	require.NoError(t, reg.SetStatus("A", models.StatusDischarging))
	mock.Add(5 * time.Second)

	assert.True(t, reg.Seen("A"))
	node, _ := reg.Get("A")
	assert.Equal(t, models.StatusDischarging, node.Status)
	assert.Equal(t, mock.Now(), node.LastSeen)
}

func TestSetStatus_RelayingRequiresChannel(t *testing.T) {
	reg, _ := newTestRegistry(nil)
	reg.Register(context.Background(), "B", models.NodeAttrs{})

	err := reg.SetStatus("B", models.StatusRelaying)
	assert.ErrorIs(t, err, ErrNoChannel)

	ch := nopChannel{}
	reg.AttachChannel("B", &ch)
	require.NoError(t, reg.SetStatus("B", models.StatusRelaying))

	reg.DetachChannel("B", &ch)
	node, _ := reg.Get("B")
	assert.Equal(t, models.StatusOnline, node.Status, "losing the channel ends relaying")

	assert.ErrorIs(t, reg.SetStatus("ghost", models.StatusOnline), ErrUnknownNode)
}

func TestChannels_StaleDetachIsIgnored(t *testing.T) {
	reg, _ := newTestRegistry(nil)
	first, second := &nopChannel{id: 1}, &nopChannel{id: 2}

	assert.Nil(t, reg.AttachChannel("A", first))
	assert.Equal(t, Channel(first), reg.AttachChannel("A", second))

	assert.False(t, reg.DetachChannel("A", first))
	ch, ok := reg.Channel("A")
	require.True(t, ok)
	assert.Equal(t, Channel(second), ch)
	assert.Equal(t, 1, reg.ChannelCount())

	assert.True(t, reg.DetachChannel("A", second))
	assert.Equal(t, 0, reg.ChannelCount())
}

func TestListReachable_RegistrationOrderAndChannelFlag(t *testing.T) {
	reg, _ := newTestRegistry(nil)
	ctx := context.Background()
	reg.Register(ctx, "C", models.NodeAttrs{})
	reg.Register(ctx, "A", models.NodeAttrs{})
	reg.Register(ctx, "B", models.NodeAttrs{})
	reg.MarkOffline(ctx, "A")
	reg.AttachChannel("B", &nopChannel{})

	nodes := reg.ListReachable()
	require.Len(t, nodes, 2)
	assert.Equal(t, "C", nodes[0].UserID)
	assert.False(t, nodes[0].HasChannel)
	assert.Equal(t, "B", nodes[1].UserID)
	assert.True(t, nodes[1].HasChannel)

	total, online := reg.Counts()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, online)
	assert.Equal(t, 1, reg.CountByStatus()[models.StatusOffline])
}

func TestSweep_ExpiresSilentNodes(t *testing.T) {
	store := &fakeStore{}
	reg, mock := newTestRegistry(store)
	ctx := context.Background()

	reg.Register(ctx, "A", models.NodeAttrs{})
	reg.Register(ctx, "B", models.NodeAttrs{})
	require.NoError(t, reg.SetStatus("B", models.StatusDischarging))

	mock.Add(45 * time.Second)
	reg.Touch("A")
	assert.Empty(t, reg.Sweep(ctx))

	mock.Add(16 * time.Second)
	expired := reg.Sweep(ctx)
	assert.Equal(t, []string{"B"}, expired)

	node, _ := reg.Get("B")
	assert.Equal(t, models.StatusOffline, node.Status)
	assert.Equal(t, models.StatusOffline, store.statuses["B"])

	node, _ = reg.Get("A")
	assert.Equal(t, models.StatusOnline, node.Status)
}

func TestSweep_ExactlyAtWindowStaysOnline(t *testing.T) {
	reg, mock := newTestRegistry(nil)
	reg.Register(context.Background(), "A", models.NodeAttrs{})

	mock.Add(60 * time.Second)
	assert.Empty(t, reg.Sweep(context.Background()))
}

func TestRun_SweepsOnInterval(t *testing.T) {
	reg, mock := newTestRegistry(nil)
	reg.Register(context.Background(), "A", models.NodeAttrs{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		node, _ := reg.Get("A")
		return node.Status == models.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestAddBytesRelayed(t *testing.T) {
	reg, _ := newTestRegistry(nil)
	_, ok := reg.AddBytesRelayed("ghost", 10)
	assert.False(t, ok)

	reg.Register(context.Background(), "B", models.NodeAttrs{})
	reg.AddBytesRelayed("B", 1500)
	total, ok := reg.AddBytesRelayed("B", 500)
	require.True(t, ok)
	assert.Equal(t, int64(2000), total)
}
