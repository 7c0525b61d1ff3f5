package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalServerKX(t *testing.T) {
	frame := ServerKX{
		Type:            TypeServerKX,
		X25519PublicKey: []byte{1, 2, 3},
		Quote:           []byte{4, 5, 6},
	}

	data, err := Marshal(frame)
	require.NoError(t, err)

	var decoded ServerKX
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, frame, decoded)
}

func TestPeekType(t *testing.T) {
	data, err := Marshal(ClientKX{Type: TypeClientKX, SealedSymmetricKey: []byte{9}})
	require.NoError(t, err)

	frameType, err := PeekType(data)
	require.NoError(t, err)
	assert.Equal(t, TypeClientKX, frameType)
}

func TestHTTPRequestOptionalBody(t *testing.T) {
	req := HTTPRequest{
		Type:      TypeHTTPRequest,
		RequestID: "r1",
		Method:    "GET",
		URL:       "/foo",
		Headers:   map[string]string{"Accept": "application/json"},
	}
	data, err := Marshal(req)
	require.NoError(t, err)

	var decoded HTTPRequest
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Nil(t, decoded.Body)
	assert.Equal(t, "GET", decoded.Method)
}
