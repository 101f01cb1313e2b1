// Package protocol implements the length-delimited encoding of the Throne
// beacon authentication payload.
package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ActionAuth is the action code carried in every auth request.
const ActionAuth byte = 0x04

// MaxFieldLen is the largest payload a single length byte can describe.
const MaxFieldLen = 255

// Field numbers of the AuthRequest message and its nested User message.
const (
	fieldDeviceID protowire.Number = 1
	fieldUser     protowire.Number = 6

	fieldUserAction protowire.Number = 1
	fieldUserID     protowire.Number = 2
)

// ErrFieldTooLong is returned when a length-delimited field does not fit in
// a single length byte. The wire format has no multi-byte lengths.
var ErrFieldTooLong = errors.New("protocol: field exceeds 255 bytes")

// AuthMessage is the decoded form of an auth request.
type AuthMessage struct {
	DeviceID string
	Action   byte
	UserID   string
}

// MarshalUserMessage encodes the nested User message.
//
//	field 1 (varint): action, one literal byte
//	field 2 (string): user id
func MarshalUserMessage(action byte, userID string) ([]byte, error) {
	var buf []byte
	// Field 1: tag = (1 << 3) | 0 = 0x08
	buf = protowire.AppendTag(buf, fieldUserAction, protowire.VarintType)
	buf = append(buf, action)
	// Field 2: tag = (2 << 3) | 2 = 0x12
	return appendShortBytes(buf, fieldUserID, []byte(userID))
}

// MarshalAuthMessage encodes the AuthRequest sent to every characteristic of
// the Throne service.
//
//	field 1 (string): device id
//	field 6 (User):   nested user message
func MarshalAuthMessage(deviceID, userID string) ([]byte, error) {
	user, err := MarshalUserMessage(ActionAuth, userID)
	if err != nil {
		return nil, fmt.Errorf("protocol: user message: %w", err)
	}

	var buf []byte
	// Field 1: tag = (1 << 3) | 2 = 0x0a
	buf, err = appendShortBytes(buf, fieldDeviceID, []byte(deviceID))
	if err != nil {
		return nil, fmt.Errorf("protocol: device id: %w", err)
	}
	// Field 6: tag = (6 << 3) | 2 = 0x32
	buf, err = appendShortBytes(buf, fieldUser, user)
	if err != nil {
		return nil, fmt.Errorf("protocol: user message: %w", err)
	}
	return buf, nil
}

// UnmarshalAuthMessage decodes an auth request, as cmd/test-connect does to
// show the payload it sends. Length prefixes are read as single bytes,
// matching MarshalAuthMessage. Unknown fields are skipped.
func UnmarshalAuthMessage(data []byte) (*AuthMessage, error) {
	msg := &AuthMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("protocol: reading tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldDeviceID && typ == protowire.BytesType:
			v, n := consumeShortBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("protocol: device id: %w", protowire.ParseError(n))
			}
			if !utf8.Valid(v) {
				return nil, errors.New("protocol: device id is not valid UTF-8")
			}
			msg.DeviceID = string(v)
			data = data[n:]
		case num == fieldUser && typ == protowire.BytesType:
			v, n := consumeShortBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("protocol: user message: %w", protowire.ParseError(n))
			}
			if err := unmarshalUser(v, msg); err != nil {
				return nil, err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("protocol: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return msg, nil
}

func unmarshalUser(data []byte, msg *AuthMessage) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("protocol: user tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldUserAction && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("protocol: action: %w", protowire.ParseError(n))
			}
			msg.Action = byte(v)
			data = data[n:]
		case num == fieldUserID && typ == protowire.BytesType:
			v, n := consumeShortBytes(data)
			if n < 0 {
				return fmt.Errorf("protocol: user id: %w", protowire.ParseError(n))
			}
			msg.UserID = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("protocol: user field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

// appendShortBytes appends a length-delimited field whose length is written
// as a single unsigned byte.
func appendShortBytes(buf []byte, num protowire.Number, v []byte) ([]byte, error) {
	if len(v) > MaxFieldLen {
		return nil, fmt.Errorf("%w: field %d is %d bytes", ErrFieldTooLong, num, len(v))
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	buf = append(buf, byte(len(v)))
	return append(buf, v...), nil
}

// consumeShortBytes reads a single-byte length prefix and the bytes it covers.
// It returns a negative protowire error code on truncation.
func consumeShortBytes(data []byte) ([]byte, int) {
	if len(data) < 1 {
		return nil, -1 // errCodeTruncated
	}
	n := int(data[0])
	if len(data) < 1+n {
		return nil, -1
	}
	return data[1 : 1+n], 1 + n
}
