package websocket

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/juju/errors"
)

// The wire format is a sequence of length-prefixed text frames:
//
//	~m~<len>~m~<payload>
//
// where <len> is the decimal UTF-8 byte length of <payload>. Payloads are
// JSON command objects {"m": <type>, "p": [<params>...]}, or heartbeat
// tokens ~h~<n> which must be echoed back verbatim. A single websocket
// message may carry any number of concatenated frames.

const frameSep = "~m~"
const heartbeatSep = "~h~"

// ErrBadFrame means the framing itself was malformed: non-numeric or
// oversized length, missing separator, or truncated payload.
var ErrBadFrame = errors.New("malformed frame")

// Packet is a single decoded unit from the wire: either a heartbeat, or a
// JSON payload (a command with a type tag and positional params, or an
// untyped object such as the server greeting).
type Packet struct {
	// Type is the command tag, e.g. "qsd" or "timescale_update"; empty for
	// heartbeats and untyped payloads.
	Type string

	// Params are the ordered positional parameters of a command. For
	// session-bound commands the first param is the session key.
	Params []json.RawMessage

	// IsHeartbeat reports that this packet is a heartbeat carrying the tick
	// in Heartbeat.
	IsHeartbeat bool
	Heartbeat   int64

	// Raw is the whole JSON payload; set for every non-heartbeat packet so
	// untyped payloads are preserved as is.
	Raw json.RawMessage
}

// SessionKey returns the first positional param if it is a JSON string,
// else "". Session-bound server packets carry the owning session key there.
func (p *Packet) SessionKey() string {
	if len(p.Params) == 0 {
		return ""
	}

	var key string
	if err := json.Unmarshal(p.Params[0], &key); err != nil {
		return ""
	}

	return key
}

// Param unmarshals positional param i into v.
func (p *Packet) Param(i int, v interface{}) error {
	if i < 0 || i >= len(p.Params) {
		return errors.Errorf("no param %d in %q packet with %d params", i, p.Type, len(p.Params))
	}

	if err := json.Unmarshal(p.Params[i], v); err != nil {
		return errors.Annotatef(err, "param %d of %q packet", i, p.Type)
	}

	return nil
}

// commandEnvelope is the wire shape of an outbound command.
type commandEnvelope struct {
	M string        `json:"m"`
	P []interface{} `json:"p"`
}

// EncodeTextFrame wraps payload in the ~m~<len>~m~ framing. The length is
// the UTF-8 byte length: len() of a Go string is exactly that, and the
// server closes the connection if the length is off by even one byte for
// multibyte payloads.
func EncodeTextFrame(payload string) string {
	return frameSep + strconv.Itoa(len(payload)) + frameSep + payload
}

// EncodeCommand serializes a command to its framed wire form.
func EncodeCommand(cmdType string, params ...interface{}) (string, error) {
	if params == nil {
		params = []interface{}{}
	}

	data, err := json.Marshal(commandEnvelope{M: cmdType, P: params})
	if err != nil {
		return "", errors.Annotatef(err, "marshalling %q command", cmdType)
	}

	return EncodeTextFrame(string(data)), nil
}

// EncodeHeartbeat returns the framed heartbeat echo for tick n.
func EncodeHeartbeat(n int64) string {
	return EncodeTextFrame(heartbeatSep + strconv.FormatInt(n, 10))
}

// DecodeOpts tune DecodeFrames error handling.
type DecodeOpts struct {
	// Strict promotes payload parse errors from skip-and-continue to
	// aborting the chunk.
	Strict bool

	// OnError, if not nil, receives a diagnostic for every bad payload,
	// including the offending bytes.
	OnError func(err error, payload []byte)
}

// DecodeFrames walks chunk left to right and returns the decoded packets in
// order. Heartbeats may appear as standalone ~h~<n> tokens outside any
// frame, or framed as payloads starting with ~h~.
//
// In non-strict mode bad JSON payloads are reported via OnError and
// skipped. Malformed framing (non-numeric length, missing separator,
// truncation) always stops the walk and discards the remainder of the
// chunk; in strict mode it is also returned as an error.
func DecodeFrames(chunk []byte, opts *DecodeOpts) ([]Packet, error) {
	if opts == nil {
		opts = &DecodeOpts{}
	}

	var packets []Packet

	i := 0
	for i < len(chunk) {
		rest := chunk[i:]

		switch {
		case bytes.HasPrefix(rest, []byte(heartbeatSep)):
			n, width, ok := parseDigits(rest[len(heartbeatSep):])
			if !ok {
				return packets, frameError(opts, "heartbeat without a tick", rest)
			}

			packets = append(packets, Packet{IsHeartbeat: true, Heartbeat: n})
			i += len(heartbeatSep) + width

		case bytes.HasPrefix(rest, []byte(frameSep)):
			length, width, ok := parseDigits(rest[len(frameSep):])
			if !ok || length > math.MaxInt32 {
				return packets, frameError(opts, "bad frame length", rest)
			}

			bodyStart := len(frameSep) + width
			if !bytes.HasPrefix(rest[bodyStart:], []byte(frameSep)) {
				return packets, frameError(opts, "missing second separator", rest)
			}
			bodyStart += len(frameSep)

			if int64(len(rest)-bodyStart) < length {
				return packets, frameError(opts, "truncated frame", rest)
			}

			payload := rest[bodyStart : bodyStart+int(length)]

			pkt, err := decodePayload(payload)
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(errors.Annotatef(err, "payload %q", payload), payload)
				}
				if opts.Strict {
					return packets, errors.Trace(err)
				}
				// Skip the frame and keep going
			} else {
				packets = append(packets, pkt)
			}

			i += bodyStart + int(length)

		default:
			return packets, frameError(opts, "garbage between frames", rest)
		}
	}

	return packets, nil
}

// decodePayload interprets a single frame payload: a heartbeat token or a
// JSON value.
func decodePayload(payload []byte) (Packet, error) {
	if bytes.HasPrefix(payload, []byte(heartbeatSep)) {
		n, _, ok := parseDigits(payload[len(heartbeatSep):])
		if !ok {
			return Packet{}, errors.Errorf("heartbeat payload without a tick")
		}

		return Packet{IsHeartbeat: true, Heartbeat: n}, nil
	}

	if !json.Valid(payload) {
		return Packet{}, errors.Errorf("payload is not valid JSON")
	}

	pkt := Packet{Raw: append(json.RawMessage(nil), payload...)}

	// Commands carry {m, p}; anything else (e.g. the greeting object) stays
	// untyped with just Raw set.
	var envelope struct {
		M string            `json:"m"`
		P []json.RawMessage `json:"p"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil {
		pkt.Type = envelope.M
		pkt.Params = envelope.P
	}

	return pkt, nil
}

// parseDigits reads the leading decimal digits of b; ok is false when there
// are none.
func parseDigits(b []byte) (n int64, width int, ok bool) {
	for width < len(b) && b[width] >= '0' && b[width] <= '9' {
		if n > (math.MaxInt64-9)/10 {
			return 0, 0, false
		}
		n = n*10 + int64(b[width]-'0')
		width++
	}

	if width == 0 {
		return 0, 0, false
	}

	return n, width, true
}

// frameError reports a framing problem; the walk always stops here, and in
// strict mode the error is surfaced to the caller as well.
func frameError(opts *DecodeOpts, msg string, rest []byte) error {
	err := errors.Annotatef(ErrBadFrame, "%s", msg)

	if opts.OnError != nil {
		opts.OnError(err, rest)
	}
	if opts.Strict {
		return err
	}

	return nil
}
