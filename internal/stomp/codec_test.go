package stomp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSend(t *testing.T) {
	f := New(CmdSend, HdrDestination, "/app/ping")
	f.Body = []byte(`{"a":1}`)

	assert.Equal(t, "SEND\ndestination:/app/ping\ncontent-length:7\n\n{\"a\":1}\x00", string(Encode(f)))
}

func TestEncodeEscapesHeaders(t *testing.T) {
	f := New(CmdSubscribe, HdrID, "sub:1", HdrDestination, "line\nbreak\\")

	assert.Equal(t, "SUBSCRIBE\nid:sub\\c1\ndestination:line\\nbreak\\\\\n\n\x00", string(Encode(f)))
}

func TestEncodeKeepsExplicitContentLength(t *testing.T) {
	f := New(CmdSend, HdrDestination, "/app/ping", HdrContentLength, "2")
	f.Body = []byte("hi")

	assert.Equal(t, "SEND\ndestination:/app/ping\ncontent-length:2\n\nhi\x00", string(Encode(f)))
}

func TestDecodeMessage(t *testing.T) {
	raw := "MESSAGE\r\nsubscription:sub-1\r\ndestination:/topic/notification/user/5\r\nmessage-id:m\\c1\r\n\r\n{\"id\":1}\x00"

	frames, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	f := frames[0]
	assert.Equal(t, CmdMessage, f.Command)
	assert.Equal(t, "sub-1", f.Header.Get(HdrSubscription))
	assert.Equal(t, "m:1", f.Header.Get(HdrMessageID))
	assert.Equal(t, `{"id":1}`, string(f.Body))
}

func TestDecodeContentLengthAllowsNUL(t *testing.T) {
	raw := "MESSAGE\ncontent-length:3\n\na\x00b\x00"

	frames, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("a\x00b"), frames[0].Body)
}

func TestDecodeMultipleFramesAndHeartbeats(t *testing.T) {
	raw := "\n\r\nRECEIPT\nreceipt-id:1\n\n\x00\nMESSAGE\nsubscription:s\n\nhi\x00\n"

	frames, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, CmdReceipt, frames[0].Command)
	assert.Equal(t, "hi", string(frames[1].Body))
}

func TestDecodeHeartbeatOnly(t *testing.T) {
	frames, err := Decode(EOL)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestDecodeRepeatedHeaderFirstWins(t *testing.T) {
	frames, err := Decode([]byte("MESSAGE\nfoo:1\nfoo:2\n\n\x00"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "1", frames[0].Header.Get("foo"))
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"missing NUL":       "MESSAGE\n\nbody",
		"unterminated":      "MESSAGE\nfoo:bar",
		"unknown command":   "HELLO\n\n\x00",
		"bad length":        "MESSAGE\ncontent-length:x\n\n\x00",
		"short body":        "MESSAGE\ncontent-length:10\n\nab\x00",
		"length not at NUL": "MESSAGE\ncontent-length:1\n\nab\x00",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			var syntaxErr *SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)
		})
	}
}

func TestEncodeDecodeHeaderEscaping(t *testing.T) {
	f := New(CmdMessage, "weird:key", "value\r\nwith\\stuff")

	frames, err := Decode(Encode(f))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "value\r\nwith\\stuff", frames[0].Header.Get("weird:key"))
}

func TestHeartBeat(t *testing.T) {
	assert.Equal(t, "4000,4000", FormatHeartBeat(4*time.Second, 4*time.Second))

	out, in, err := ParseHeartBeat("0, 10000")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), out)
	assert.Equal(t, 10*time.Second, in)

	out, in, err = ParseHeartBeat("")
	require.NoError(t, err)
	assert.Zero(t, out)
	assert.Zero(t, in)

	_, _, err = ParseHeartBeat("abc")
	assert.Error(t, err)
}

func TestNegotiateHeartBeat(t *testing.T) {
	out, in := NegotiateHeartBeat(4*time.Second, 4*time.Second, 10*time.Second, time.Second)
	assert.Equal(t, 4*time.Second, out)
	assert.Equal(t, 10*time.Second, in)

	out, in = NegotiateHeartBeat(4*time.Second, 4*time.Second, 0, 0)
	assert.Zero(t, out)
	assert.Zero(t, in)

	out, in = NegotiateHeartBeat(0, 4*time.Second, 2*time.Second, 2*time.Second)
	assert.Zero(t, out)
	assert.Equal(t, 4*time.Second, in)
}

func TestHeaderSetDel(t *testing.T) {
	h := New(CmdSend).Header
	h.Set("a", "1")
	h.Add("a", "2")
	h.Set("a", "3")
	assert.Equal(t, "3", h.Get("a"))
	assert.Equal(t, 2, h.Len())

	h.Del("a")
	_, ok := h.Contains("a")
	assert.False(t, ok)
}
