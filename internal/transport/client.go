package transport

import (
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// client is the narrow slice of the paho API the transport uses.
// Tests substitute a fake.
type client interface {
	Connect() error
	Disconnect(quiesceMillis uint)
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

var errTokenTimeout = errors.New("mqtt operation timed out")

type pahoClient struct {
	cli     mqtt.Client
	timeout time.Duration
}

func newPahoClient(opts *mqtt.ClientOptions, timeout time.Duration) *pahoClient {
	return &pahoClient{cli: mqtt.NewClient(opts), timeout: timeout}
}

func (p *pahoClient) wait(tok mqtt.Token) error {
	if !tok.WaitTimeout(p.timeout) {
		return errTokenTimeout
	}
	return tok.Error()
}

func (p *pahoClient) Connect() error {
	return p.wait(p.cli.Connect())
}

func (p *pahoClient) Disconnect(quiesceMillis uint) {
	p.cli.Disconnect(quiesceMillis)
}

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return p.wait(p.cli.Publish(topic, qos, retained, payload))
}

func (p *pahoClient) Subscribe(topic string, qos byte) error {
	return p.wait(p.cli.Subscribe(topic, qos, nil))
}

func (p *pahoClient) Unsubscribe(topic string) error {
	return p.wait(p.cli.Unsubscribe(topic))
}

func (p *pahoClient) IsConnected() bool {
	return p.cli.IsConnected()
}
