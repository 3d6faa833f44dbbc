package stomp

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// EOL is the heart-beat frame
var EOL = []byte("\n")

// SyntaxError reports a malformed frame
type SyntaxError struct {
	Msg string
	Err error
}

func (e *SyntaxError) Error() string {
	if e.Err != nil {
		return "stomp: " + e.Msg + ": " + e.Err.Error()
	}
	return "stomp: " + e.Msg
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Encode serializes a frame. A content-length header is set for non-empty
// bodies unless the caller already set one.
func Encode(f *Frame) []byte {
	if f.Header == nil {
		f.Header = frame.NewHeader()
	}
	if len(f.Body) > 0 {
		if _, ok := f.Header.Contains(HdrContentLength); !ok {
			f.Header.Set(HdrContentLength, strconv.Itoa(len(f.Body)))
		}
	}

	var buf bytes.Buffer
	buf.Grow(len(f.Command) + len(f.Body) + 64)
	// Writing to a bytes.Buffer cannot fail
	_ = frame.NewWriter(&buf).Write(f)
	return buf.Bytes()
}

// Decode parses every frame contained in one transport message. EOLs between
// frames are heart-beats and are skipped, so a heart-beat-only message yields
// no frames.
func Decode(data []byte) ([]*Frame, error) {
	rd := bytes.NewReader(data)
	reader := frame.NewReader(rd)

	var frames []*Frame
	for rd.Len() > 0 {
		f, err := reader.Read()
		if err != nil {
			return frames, &SyntaxError{Msg: "malformed frame", Err: err}
		}
		if f == nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// FormatHeartBeat renders the heart-beat header value "cx,cy" in milliseconds
func FormatHeartBeat(outgoing, incoming time.Duration) string {
	return strconv.FormatInt(outgoing.Milliseconds(), 10) + "," + strconv.FormatInt(incoming.Milliseconds(), 10)
}

// ParseHeartBeat parses a heart-beat header value. An empty value means no
// heart-beating in either direction.
func ParseHeartBeat(v string) (outgoing, incoming time.Duration, err error) {
	if strings.TrimSpace(v) == "" {
		return 0, 0, nil
	}
	a, b, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0, &SyntaxError{Msg: "invalid heart-beat " + strconv.Quote(v)}
	}
	x, err1 := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	y, err2 := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0, &SyntaxError{Msg: "invalid heart-beat " + strconv.Quote(v)}
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

// NegotiateHeartBeat combines the client's requested intervals with the
// server's CONNECTED heart-beat header. A zero result disables that direction.
func NegotiateHeartBeat(clientOut, clientIn, serverOut, serverIn time.Duration) (outgoing, incoming time.Duration) {
	if clientOut > 0 && serverIn > 0 {
		outgoing = max(clientOut, serverIn)
	}
	if clientIn > 0 && serverOut > 0 {
		incoming = max(clientIn, serverOut)
	}
	return outgoing, incoming
}
