// Package proto defines the relay frame exchanged between mesh nodes.
//
// A frame is one JSON object per websocket message. Payloads are always
// carried as text: binary payloads are base64-encoded and flagged so the
// receiving side can restore the original bytes.
package proto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is the wire message relayed across the mesh.
type Frame struct {
	Channel string `json:"channel"`
	Data    string `json:"data"`
	Nonce   int64  `json:"nonce"`
	Binary  bool   `json:"binary"`
}

var (
	ErrEmptyChannel = errors.New("proto: frame has no channel")
	ErrNoNonce      = errors.New("proto: frame has no nonce")
)

// NewFrame builds a frame for payload on channel, stamped with a fresh
// random nonce. The nonce is the sole deduplication key mesh-wide, so it
// comes from crypto/rand rather than a seeded PRNG.
func NewFrame(channel string, payload []byte, isBinary bool) Frame {
	f := Frame{
		Channel: channel,
		Nonce:   newNonce(),
		Binary:  isBinary,
	}
	if isBinary {
		f.Data = base64.StdEncoding.EncodeToString(payload)
	} else {
		f.Data = string(payload)
	}
	return f
}

func newNonce() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	n := int64(binary.BigEndian.Uint64(b[:]) >> 1)
	if n == 0 {
		n = 1
	}
	return n
}

// Decode parses a raw websocket message into a Frame. A frame without a
// channel or nonce is malformed; the caller logs and drops it.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("proto: decode frame: %w", err)
	}
	if f.Channel == "" {
		return Frame{}, ErrEmptyChannel
	}
	if f.Nonce == 0 {
		return Frame{}, ErrNoNonce
	}
	return f, nil
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Payload returns the channel payload bytes, reversing the text carriage
// applied by NewFrame.
func (f Frame) Payload() ([]byte, error) {
	if !f.Binary {
		return []byte(f.Data), nil
	}
	b, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("proto: binary payload: %w", err)
	}
	return b, nil
}
