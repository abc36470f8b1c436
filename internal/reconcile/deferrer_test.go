package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	body  string
	delay time.Duration
	attrs map[string]string
	err   error
}

func (c *captureSender) SendMessage(ctx context.Context, body string, delay time.Duration, attributes map[string]string) error {
	c.body, c.delay, c.attrs = body, delay, attributes
	return c.err
}

func TestQueueDeferrer_RoundTrip(t *testing.T) {
	sender := &captureSender{}
	d := NewQueueDeferrer(sender, time.Minute)
	fixed := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	d.nowFunc = func() time.Time { return fixed }

	require.NoError(t, d.Defer(context.Background(), charge(), 2))
	assert.Equal(t, time.Minute, sender.delay)
	assert.Equal(t, "evt_charge", sender.attrs["event_id"])
	assert.Equal(t, "2", sender.attrs["attempt"])

	ds, err := DecodeDeferred(sender.body)
	require.NoError(t, err)
	assert.Equal(t, charge(), ds.Event)
	assert.Equal(t, 2, ds.Attempt)
	assert.True(t, fixed.Equal(ds.EnqueuedAt))
}

func TestQueueDeferrer_SendError(t *testing.T) {
	sender := &captureSender{err: errors.New("throttled")}
	d := NewQueueDeferrer(sender, time.Minute)

	err := d.Defer(context.Background(), charge(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, sender.err)
}

func TestDecodeDeferred_Rejects(t *testing.T) {
	for name, body := range map[string]string{
		"not json":       "nope",
		"missing charge": `{"event":{"payment_intent_id":"pi_1"},"attempt":1}`,
		"zero attempt":   `{"event":{"payment_intent_id":"pi_1","charge_id":"ch_1"},"attempt":0}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeDeferred(body)
			assert.Error(t, err)
		})
	}
}
