package wsmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/ra-tunnel/internal/tunnel/envelope"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendEncrypted(plaintext []byte) error {
	f.sent = append(f.sent, plaintext)
	return nil
}

func TestLooksLikeText(t *testing.T) {
	assert.True(t, LooksLikeText([]byte("hello world")))
	assert.False(t, LooksLikeText([]byte{0x00, 0x01, 0x02}))
	assert.False(t, LooksLikeText([]byte{150})) // within [128,160)
	assert.True(t, LooksLikeText([]byte{200}))  // outside [128,160)
}

func TestRegistryConnectEmitsOpenEvent(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{}

	ep, err := registry.Connect(envelope.WSConnect{ConnectionID: "c1", URL: "ws://x"}, sender)
	require.NoError(t, err)
	assert.Equal(t, Open, ep.State())

	require.Len(t, sender.sent, 1)
	var event envelope.WSEvent
	require.NoError(t, envelope.Unmarshal(sender.sent[0], &event))
	assert.Equal(t, "open", event.EventType)
	assert.Equal(t, "c1", event.ConnectionID)
}

func TestEndpointSendIncrementsBufferedAmount(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{}
	ep, err := registry.Connect(envelope.WSConnect{ConnectionID: "c1", URL: "ws://x"}, sender)
	require.NoError(t, err)

	require.NoError(t, ep.SendText("hi"))
	assert.Equal(t, 2, ep.BufferedAmount())

	require.NoError(t, ep.SendText("there"))
	assert.Equal(t, 7, ep.BufferedAmount())
}

func TestEndpointCloseTransitionsToClosed(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{}
	ep, err := registry.Connect(envelope.WSConnect{ConnectionID: "c1", URL: "ws://x"}, sender)
	require.NoError(t, err)

	require.NoError(t, ep.Close(1000, "done"))
	assert.Equal(t, Closed, ep.State())
}

func TestBroadcastFoldsOverEndpoints(t *testing.T) {
	registry := NewRegistry()
	s1, s2 := &fakeSender{}, &fakeSender{}
	_, err := registry.Connect(envelope.WSConnect{ConnectionID: "c1", URL: "ws://x"}, s1)
	require.NoError(t, err)
	_, err = registry.Connect(envelope.WSConnect{ConnectionID: "c2", URL: "ws://x"}, s2)
	require.NoError(t, err)

	registry.Broadcast([]byte("hello"))

	assert.Len(t, s1.sent, 2) // open event + broadcast message
	assert.Len(t, s2.sent, 2)
}
