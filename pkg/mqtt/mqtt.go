package mqtt

import (
	"context"
	"encoding/json"
	"sync"

	mqttv2 "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/nergy-se/envoy/pkg/packet"
	"github.com/sirupsen/logrus"
)

const (
	TopicLoop    = "loop"
	TopicArchive = "archive"
)

// Broker is an embedded MQTT broker publishing packets with its inline client.
type Broker struct {
	server *mqttv2.Server
}

// Start serves MQTT on addr until ctx is done.
func Start(ctx context.Context, wg *sync.WaitGroup, addr string) (*Broker, error) {
	server := mqttv2.New(&mqttv2.Options{
		InlineClient: true,
	})

	// Allow all connections.
	_ = server.AddHook(new(auth.AllowHook), nil)

	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: addr})
	err := server.AddListener(tcp)
	if err != nil {
		return nil, err
	}

	err = server.Serve()
	if err != nil {
		return nil, err
	}
	logrus.Infof("mqtt: listening on %s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		server.Close()
	}()
	return &Broker{server: server}, nil
}

func (b *Broker) Server() *mqttv2.Server {
	return b.server
}

// PublishLoop publishes p retained on <prefix>/loop.
func (b *Broker) PublishLoop(prefix string, p *packet.Packet) error {
	return b.publish(prefix+"/"+TopicLoop, p)
}

// PublishArchive publishes p retained on <prefix>/archive.
func (b *Broker) PublishArchive(prefix string, p *packet.Packet) error {
	return b.publish(prefix+"/"+TopicArchive, p)
}

func (b *Broker) publish(topic string, p *packet.Packet) error {
	payload, err := json.Marshal(p.Map())
	if err != nil {
		return err
	}
	logrus.Debugf("mqtt: publish %s %s", topic, payload)
	return b.server.Publish(topic, payload, true, 0)
}
