package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type fixedSnapshot struct {
	outbound []database.OutboundRecord
	inbound  []uint16
}

func (f fixedSnapshot) Snapshot() ([]database.OutboundRecord, []uint16) {
	return f.outbound, f.inbound
}

func TestSubscribeTwiceKeepsLatestHandler(t *testing.T) {
	state := New("c1", false, nil, nil)
	var calledOld, calledNew bool

	replaced, err := state.AddSubscription("a/+", mqtt.AtMostOnce, func(*dispatcher.Message) { calledOld = true })
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = state.AddSubscription("a/+", mqtt.ExactlyOnce, func(*dispatcher.Message) { calledNew = true })
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, 1, state.Len())

	sub, ok := state.Subscription("a/+")
	require.True(t, ok)
	assert.Equal(t, mqtt.ExactlyOnce, sub.QoS)
	sub.Handler(&dispatcher.Message{})
	assert.False(t, calledOld)
	assert.True(t, calledNew)
}

func TestAddSubscriptionValidates(t *testing.T) {
	state := New("c1", false, nil, nil)
	_, err := state.AddSubscription("a/#/b", mqtt.AtMostOnce, nil)
	assert.ErrorIs(t, err, mqtt.ErrInvalidTopic)
	_, err = state.AddSubscription("a", 3, nil)
	assert.ErrorIs(t, err, mqtt.ErrInvalidQoS)
	assert.Equal(t, 0, state.Len())
}

func TestSubscriptionOrderAndRemove(t *testing.T) {
	state := New("c1", false, nil, nil)
	for _, filter := range []string{"c", "a", "b"} {
		_, err := state.AddSubscription(filter, mqtt.AtMostOnce, nil)
		require.NoError(t, err)
	}
	state.SetGranted("a", mqtt.AtLeastOnce)

	subs := state.Subscriptions()
	require.Len(t, subs, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{subs[0].Filter, subs[1].Filter, subs[2].Filter})
	assert.Equal(t, mqtt.AtLeastOnce, subs[1].Granted)

	assert.True(t, state.RemoveSubscription("a"))
	assert.False(t, state.RemoveSubscription("a"))
	subs = state.Subscriptions()
	assert.Equal(t, []string{"c", "b"}, []string{subs[0].Filter, subs[1].Filter})

	state.Reset()
	assert.Equal(t, 0, state.Len())
	assert.Empty(t, state.Subscriptions())
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()

	state := New("c1", true, store, nil)
	_, err := state.AddSubscription("/events", mqtt.AtMostOnce, nil)
	require.NoError(t, err)
	_, err = state.AddSubscription("sensors/#", mqtt.ExactlyOnce, nil)
	require.NoError(t, err)

	inflight := fixedSnapshot{
		outbound: []database.OutboundRecord{{PacketID: 1, Topic: "x", QoS: 1, Seq: 1}},
		inbound:  []uint16{4},
	}
	require.NoError(t, state.Save(ctx, inflight))

	restored := New("c1", true, store, nil)
	data, err := restored.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, inflight.outbound, data.Outbound)
	assert.Equal(t, inflight.inbound, data.InboundQoS2)

	subs := restored.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, "sensors/#", subs[1].Filter)
	assert.Equal(t, mqtt.ExactlyOnce, subs[1].QoS)
	assert.Nil(t, subs[1].Handler)

	require.NoError(t, restored.Discard(ctx))
	data, err = New("c1", true, store, nil).Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestLoadKeepsRegisteredHandlers(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	saved := New("c1", true, store, nil)
	_, _ = saved.AddSubscription("a", mqtt.AtLeastOnce, nil)
	require.NoError(t, saved.Save(ctx, nil))

	state := New("c1", true, store, nil)
	called := false
	_, err := state.AddSubscription("a", mqtt.AtMostOnce, func(*dispatcher.Message) { called = true })
	require.NoError(t, err)
	_, err = state.Load(ctx)
	require.NoError(t, err)

	sub, _ := state.Subscription("a")
	require.NotNil(t, sub.Handler)
	sub.Handler(nil)
	assert.True(t, called)
	assert.Equal(t, mqtt.AtMostOnce, sub.QoS)
}

func TestNonPersistentSkipsStore(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	state := New("c1", false, store, nil)
	_, _ = state.AddSubscription("a", mqtt.AtMostOnce, nil)
	require.NoError(t, state.Save(ctx, nil))

	_, err := store.LoadSession(ctx, "c1")
	assert.ErrorIs(t, err, database.ErrSessionNotFound)

	data, err := state.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestPersisterCoalesces(t *testing.T) {
	store := database.NewMemoryStore()
	state := New("c1", true, store, nil)
	_, _ = state.AddSubscription("a", mqtt.AtMostOnce, nil)

	persister := NewPersister(state, fixedSnapshot{})
	for i := 0; i < 10; i++ {
		persister.Notify()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go persister.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := store.LoadSession(context.Background(), "c1")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	// 退出时写入最终状态
	_, _ = state.AddSubscription("b", mqtt.AtMostOnce, nil)
	cancel()
	<-persister.Done()

	data, err := store.LoadSession(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, data.Subscriptions, 2)
}
