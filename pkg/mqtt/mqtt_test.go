package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	mqttv2 "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/nergy-se/envoy/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	b, err := Start(ctx, wg, "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		cancel()
		wg.Wait()
	}()

	received := make(chan packets.Packet, 2)
	err = b.Server().Subscribe("envoy/#", 1, func(cl *mqttv2.Client, sub packets.Subscription, pk packets.Packet) {
		received <- pk
	})
	require.NoError(t, err)

	p := packet.New(1500000001)
	p.Power = packet.Pointer(1200.0)
	require.NoError(t, b.PublishLoop("envoy", p))

	r := packet.New(1500000300)
	r.Interval = packet.Pointer(5)
	require.NoError(t, b.PublishArchive("envoy", r))

	got := make(map[string]string)
	for len(got) < 2 {
		select {
		case pk := <-received:
			got[pk.TopicName] = string(pk.Payload)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for messages, got %v", got)
		}
	}
	assert.JSONEq(t, `{"dateTime":1500000001,"usUnits":1,"power":1200}`, got["envoy/loop"])
	assert.JSONEq(t, `{"dateTime":1500000300,"usUnits":1,"interval":5}`, got["envoy/archive"])
}
