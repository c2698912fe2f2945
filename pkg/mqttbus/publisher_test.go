package mqttbus

import (
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done bool
	err  error
}

func (t *fakeToken) Wait() bool                     { return t.done }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.done }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.done {
		close(ch)
	}
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeClient records publishes; every other method panics through the nil embed.
type fakeClient struct {
	mqtt.Client
	token  *fakeToken
	topics []string
	qos    []byte
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.qos = append(c.qos, qos)
	return c.token
}

func TestPublisher_DefaultsToOwnTopic(t *testing.T) {
	c := &fakeClient{token: &fakeToken{done: true}}
	p := NewPublisher(c, "sensor/airquality")

	require.NoError(t, p.Publish("", []byte("{}")))
	require.NoError(t, p.Publish("sensor/airquality/lab01", []byte("{}")))

	assert.Equal(t, []string{"sensor/airquality", "sensor/airquality/lab01"}, c.topics)
	assert.Equal(t, []byte{0, 0}, c.qos)
}

func TestPublisher_Timeout(t *testing.T) {
	p := NewPublisher(&fakeClient{token: &fakeToken{}}, "t")
	assert.ErrorIs(t, p.Publish("", nil), ErrPublishTimeout)
}

func TestPublisher_TokenError(t *testing.T) {
	boom := errors.New("not connected")
	p := NewPublisher(&fakeClient{token: &fakeToken{done: true, err: boom}}, "t")
	assert.ErrorIs(t, p.Publish("", nil), boom)
}
