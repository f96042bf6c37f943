package broker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Control packet types carried in the high nibble of the first byte.
const (
	typeConnect    byte = 0x1
	typePublish    byte = 0x3
	typePingReq    byte = 0xC
	typeDisconnect byte = 0xE
)

// Fixed responses written by the broker.
var (
	// connAck is sent immediately after accept: CONNACK, remaining length 2,
	// no session present, return code 0.
	connAck = []byte{0x20, 0x02, 0x00, 0x00}

	pingResp = []byte{0xD0, 0x00}
)

// qosMask selects the QoS bits of a PUBLISH header.
const qosMask byte = 0x06

// maxVarintBytes is the longest remaining-length encoding.
const maxVarintBytes = 4

// DefaultTopic is reported for publish frames that carry no topic.
const DefaultTopic = "data"

// Kind is the decoded frame type.
type Kind int

const (
	// KindOther is any frame the broker does not act on.
	KindOther Kind = iota
	KindConnect
	KindPublish
	KindPingReq
	KindDisconnect
)

// String returns the lower-case kind name, used as a metric label.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindPublish:
		return "publish"
	case KindPingReq:
		return "pingreq"
	case KindDisconnect:
		return "disconnect"
	default:
		return "other"
	}
}

// Frame is one decoded control packet.
//
// Only Publish frames populate QoS, PacketID, Topic and Payload.
type Frame struct {
	Kind     Kind
	Header   byte
	QoS      byte
	PacketID uint16
	Topic    string
	Payload  []byte
}

// NeedsAck reports whether the frame asks for a PUBACK.
func (f Frame) NeedsAck() bool {
	return f.Kind == KindPublish && f.QoS > 0
}

// ReadFrame reads one control packet from r.
//
// The layout is a fixed header byte, a variable-length remaining length
// (7 bits per byte, at most 4 bytes) and the body. Frames longer than
// maxSize are discarded and reported as ErrFrameTooLarge; maxSize <= 0
// disables the check.
func ReadFrame(r *bufio.Reader, maxSize int) (Frame, error) {
	header, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}

	length, err := readRemainingLength(r)
	if err != nil {
		return Frame{}, err
	}

	if maxSize > 0 && length > maxSize {
		if _, err := r.Discard(length); err != nil {
			return Frame{}, err
		}
		return Frame{Header: header}, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	return decodeFrame(header, body), nil
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	length := 0
	multiplier := 1
	for i := 0; i < maxVarintBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		length += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return length, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("%w: remaining length exceeds %d bytes", ErrMalformedFrame, maxVarintBytes)
}

func decodeFrame(header byte, body []byte) Frame {
	switch header >> 4 {
	case typeConnect:
		return Frame{Kind: KindConnect, Header: header}
	case typePingReq:
		return Frame{Kind: KindPingReq, Header: header}
	case typeDisconnect:
		return Frame{Kind: KindDisconnect, Header: header}
	case typePublish:
		return decodePublish(header, body)
	default:
		return Frame{Kind: KindOther, Header: header}
	}
}

// decodePublish accepts both the standard layout (topic length, topic,
// packet id when QoS > 0, payload) and the topic-free layout some field
// devices send, where the whole body is payload. The standard layout is
// used only when the declared topic is at most maxTopicLen bytes of
// printable UTF-8 and does not open like a JSON document.
func decodePublish(header byte, body []byte) Frame {
	f := Frame{
		Kind:   KindPublish,
		Header: header,
		QoS:    (header & qosMask) >> 1,
		Topic:  DefaultTopic,
	}

	if topic, rest, ok := splitTopic(body); ok {
		f.Topic = topic
		if f.QoS > 0 && len(rest) >= 2 {
			f.PacketID = binary.BigEndian.Uint16(rest[:2])
			rest = rest[2:]
		}
		f.Payload = rest
		return f
	}

	if f.QoS > 0 && len(body) >= 2 {
		f.PacketID = binary.BigEndian.Uint16(body[:2])
	}
	f.Payload = body
	return f
}

// maxTopicLen bounds the topic length accepted by splitTopic. Bare JSON
// bodies start with bytes like `{"` (0x7B22) that would otherwise read as
// a plausible length.
const maxTopicLen = 1024

func splitTopic(body []byte) (string, []byte, bool) {
	if len(body) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	if n == 0 || n > maxTopicLen || 2+n > len(body) {
		return "", nil, false
	}
	topic := body[2 : 2+n]
	if !utf8.Valid(topic) {
		return "", nil, false
	}
	switch topic[0] {
	case '{', '[', '"':
		return "", nil, false
	}
	for _, c := range topic {
		if c < 0x20 {
			return "", nil, false
		}
	}
	return string(topic), body[2+n:], true
}

// pubAck builds the 4-byte acknowledgment for packetID.
func pubAck(packetID uint16) []byte {
	return []byte{0x40, 0x02, byte(packetID >> 8), byte(packetID)}
}
