package mqtt

import (
	"testing"
	"time"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"driversafety/panic/+", "driversafety/panic/raised", true},
		{"driversafety/panic/+", "driversafety/panic/raised/extra", false},
		{"driversafety/#", "driversafety/drivers/d1/cmd", true},
		{"driversafety/panic/raised", "driversafety/panic/raised", true},
		{"driversafety/panic/resolved", "driversafety/panic/raised", false},
		{"driversafety/drivers/#", "driversafety/drivers", true},
		{"driversafety/+/status", "driversafety/drivers", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchTopic(tc.pattern, tc.topic), "%s vs %s", tc.pattern, tc.topic)
	}
}

func TestTopicsForKinds(t *testing.T) {
	b := NewBroadcast(nil, "driversafety/", 4, logger.Discard())

	topic, err := b.topic(models.KindLocationMoved)
	require.NoError(t, err)
	assert.Equal(t, "driversafety/panic/location", topic)

	_, err = b.topic("bogus")
	assert.Error(t, err)

	assert.Equal(t, "driversafety/drivers/d-9/cmd", commandTopic("driversafety", "d-9"))
	assert.Equal(t, "driversafety/drivers/d-9/status", statusTopic("driversafety/", "d-9"))
}

func TestHandleRoutesDecodedMessages(t *testing.T) {
	b := NewBroadcast(nil, "driversafety", 4, logger.Discard())
	sub := b.attach()

	require.NoError(t, b.handle("driversafety/panic/resolved", []byte(`{"panic_event_id":"e1","driver_id":"d1"}`)))
	require.NoError(t, b.handle("driversafety/panic/raised", []byte(`not json`)))

	msg := <-sub.ch
	require.NotNil(t, msg.Resolved)
	assert.Equal(t, "e1", msg.Resolved.PanicEventID)

	msg = <-sub.ch
	assert.Equal(t, models.KindRaised, msg.Kind)
	assert.Error(t, msg.Err)

	assert.Error(t, b.handle("driversafety/panic/other", nil))
}

func TestDetachClosesChannel(t *testing.T) {
	b := NewBroadcast(nil, "driversafety", 1, logger.Discard())
	sub := b.attach()

	b.detach(sub)
	_, open := <-sub.ch
	assert.False(t, open)

	// delivery after close is dropped silently
	assert.NoError(t, b.handle("driversafety/panic/resolved", []byte(`{"panic_event_id":"e1"}`)))
}

func TestReplacingSubscriptionClosesPrevious(t *testing.T) {
	b := NewBroadcast(nil, "driversafety", 1, logger.Discard())
	first := b.attach()
	second := b.attach()

	_, open := <-first.ch
	assert.False(t, open)
	assert.Same(t, second, b.sub)
}

func TestCommandFor(t *testing.T) {
	cmd, err := commandFor(models.WorkerVoice, "recover_voice")
	require.NoError(t, err)
	assert.Equal(t, CommandRecoverVoice, cmd.Type)

	_, err = commandFor(models.WorkerVoice, "explode")
	assert.Error(t, err)
}

func TestStatusWhileDisconnected(t *testing.T) {
	lost := time.Now().Add(-90 * time.Second)
	c := &Client{
		handlers:       map[string]MessageHandler{"driversafety/panic/+": nil},
		lastDisconnect: lost,
	}

	status := c.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, 1, status.Subscriptions)
	assert.Equal(t, lost, status.LastDisconnect)
	assert.NotEmpty(t, status.DownFor)

	never := (&Client{handlers: map[string]MessageHandler{}}).Status()
	assert.Empty(t, never.DownFor)
	assert.True(t, never.LastDisconnect.IsZero())
}
