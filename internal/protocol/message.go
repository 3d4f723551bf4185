package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind identifies what a control-plane record carries.
type Kind uint32

// Record kinds used by the control plane.
const (
	KindMessage Kind = iota
	KindCommand
	KindConnect
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindCommand:
		return "command"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	default:
		return "kind(" + strconv.FormatUint(uint64(k), 10) + ")"
	}
}

// Field capacities of the fixed-size record, terminator included.
const (
	SenderSize    = 50
	RecipientSize = 50
	ContentSize   = 1024

	// RecordSize is the byte size of every encoded Request; one record is
	// one datagram.
	RecordSize = 4 + SenderSize + RecipientSize + ContentSize
)

// ServerName is the sender used on every server-originated record.
const ServerName = "Server"

// ErrMalformed is returned for datagrams that are not a valid record.
var ErrMalformed = errors.New("malformed record")

// Request is the control-plane record exchanged in both directions.
type Request struct {
	Kind      Kind
	Sender    string
	Recipient string
	Content   string
}

// NewRequest builds a record, truncating fields that exceed their capacity.
func NewRequest(kind Kind, sender, recipient, content string) Request {
	return Request{
		Kind:      kind,
		Sender:    truncate(sender, SenderSize),
		Recipient: truncate(recipient, RecipientSize),
		Content:   truncate(content, ContentSize),
	}
}

// ServerMessage is a plain-text notice from the server.
func ServerMessage(text string) Request {
	return NewRequest(KindMessage, ServerName, "", text)
}

// ServerMessagef formats a plain-text notice from the server.
func ServerMessagef(format string, args ...any) Request {
	return ServerMessage(fmt.Sprintf(format, args...))
}

// Encode returns the fixed-size wire form of r.
func (r Request) Encode() []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Kind))
	off := 4
	putField(buf[off:off+SenderSize], r.Sender)
	off += SenderSize
	putField(buf[off:off+RecipientSize], r.Recipient)
	off += RecipientSize
	putField(buf[off:off+ContentSize], r.Content)
	return buf
}

// Decode parses one datagram. Anything that is not exactly one well-formed
// record yields ErrMalformed.
func Decode(b []byte) (Request, error) {
	if len(b) != RecordSize {
		return Request{}, fmt.Errorf("%w: size %d, want %d", ErrMalformed, len(b), RecordSize)
	}
	kind := Kind(binary.LittleEndian.Uint32(b[0:4]))
	if kind > KindDisconnect {
		return Request{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, kind)
	}

	off := 4
	sender, err := getField(b[off : off+SenderSize])
	if err != nil {
		return Request{}, fmt.Errorf("%w: sender %v", ErrMalformed, err)
	}
	off += SenderSize
	recipient, err := getField(b[off : off+RecipientSize])
	if err != nil {
		return Request{}, fmt.Errorf("%w: recipient %v", ErrMalformed, err)
	}
	off += RecipientSize
	content, err := getField(b[off : off+ContentSize])
	if err != nil {
		return Request{}, fmt.Errorf("%w: content %v", ErrMalformed, err)
	}

	return Request{Kind: kind, Sender: sender, Recipient: recipient, Content: content}, nil
}

func putField(dst []byte, s string) {
	copy(dst[:len(dst)-1], s)
}

func getField(b []byte) (string, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", errors.New("missing terminator")
	}
	return string(b[:i]), nil
}

// truncate cuts s so it fits a field of size bytes with its terminator,
// without splitting a UTF-8 sequence.
func truncate(s string, size int) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	if len(s) < size {
		return s
	}
	s = s[:size-1]
	for i := 0; i < utf8.UTFMax-1 && len(s) > 0; i++ {
		if r, n := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || n != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
