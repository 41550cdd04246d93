package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gungnir/internal/common"
)

func event(seq uint64) common.Event {
	return common.Event{Topic: "trades.GUN_X", Sequence: seq}
}

func TestPublish_ExactTopic(t *testing.T) {
	b := NewInProcess()
	var got []uint64
	_, err := b.Subscribe("trades.GUN_X", nil, func(e common.Event) {
		got = append(got, e.Sequence)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish("trades.GUN_X", event(1)))
	require.NoError(t, b.Publish("trades.GUN_X", event(2)))
	require.NoError(t, b.Publish("trades.OTHER", event(3)))

	assert.Equal(t, []uint64{1, 2}, got, "ordered, other topics excluded")
}

func TestPublish_PrefixTopic(t *testing.T) {
	b := NewInProcess()
	var got []string
	b.Subscribe("orderbook.*", nil, func(e common.Event) {
		got = append(got, e.Topic)
	})

	b.Publish("orderbook.GUN_X", common.Event{Topic: "orderbook.GUN_X"})
	b.Publish("orderbook.GUN_Y", common.Event{Topic: "orderbook.GUN_Y"})
	b.Publish("trades.GUN_X", common.Event{Topic: "trades.GUN_X"})

	assert.Equal(t, []string{"orderbook.GUN_X", "orderbook.GUN_Y"}, got)
}

func TestPublish_Filter(t *testing.T) {
	b := NewInProcess()
	var got []uint64
	b.Subscribe("trades.GUN_X", func(e common.Event) bool { return e.Sequence%2 == 0 }, func(e common.Event) {
		got = append(got, e.Sequence)
	})

	for i := uint64(1); i <= 4; i++ {
		b.Publish("trades.GUN_X", event(i))
	}
	assert.Equal(t, []uint64{2, 4}, got)
}

func TestSubscription_Cancel(t *testing.T) {
	b := NewInProcess()
	count := 0
	sub, err := b.Subscribe("trades.GUN_X", nil, func(common.Event) { count++ })
	require.NoError(t, err)

	b.Publish("trades.GUN_X", event(1))
	sub.Cancel()
	b.Publish("trades.GUN_X", event(2))

	assert.Equal(t, 1, count)
}

func TestPublish_DeliveryOrderFollowsRegistration(t *testing.T) {
	b := NewInProcess()
	var got []string
	b.Subscribe("trades.*", nil, func(common.Event) { got = append(got, "first") })
	b.Subscribe("trades.GUN_X", nil, func(common.Event) { got = append(got, "second") })

	b.Publish("trades.GUN_X", event(1))
	assert.Equal(t, []string{"first", "second"}, got)
}
