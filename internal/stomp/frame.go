package stomp

import (
	"github.com/go-stomp/stomp/v3/frame"
)

// Client and server frame commands (STOMP 1.2)
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdAck         = "ACK"
	CmdNack        = "NACK"
	CmdDisconnect  = "DISCONNECT"

	CmdConnected = "CONNECTED"
	CmdMessage   = "MESSAGE"
	CmdReceipt   = "RECEIPT"
	CmdError     = "ERROR"
)

// Well-known header names
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrLogin         = "login"
	HdrPasscode      = "passcode"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
	HdrServer        = "server"
	HdrSession       = "session"
)

// SupportedVersions is sent in the accept-version header of CONNECT
const SupportedVersions = "1.2,1.1,1.0"

// Frame is a single STOMP frame
type Frame = frame.Frame

// Header is the ordered header list of a frame. Repeated keys are allowed on
// the wire; the first occurrence wins on lookup.
type Header = frame.Header

// New creates a frame with the given command and alternating key/value headers
func New(command string, kv ...string) *Frame {
	return frame.New(command, kv...)
}
