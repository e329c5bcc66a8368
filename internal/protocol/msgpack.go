package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sadewadee/httpbridge/internal/value"
)

// MarshalMsgpack encodes a value to msgpack bytes.
func MarshalMsgpack(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// UnmarshalMsgpack decodes msgpack bytes into a value.
func UnmarshalMsgpack(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// Payload codec names as they appear in configuration and envelopes.
const (
	CodecMsgpack = "msgpack"
	CodecCBOR    = "cbor"
)

// PayloadCodec serializes value trees carried in frame payloads.
type PayloadCodec interface {
	Name() string
	Marshal(n value.Node) ([]byte, error)
	Unmarshal(data []byte, n *value.Node) error
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgpack }

func (msgpackCodec) Marshal(n value.Node) ([]byte, error) {
	return msgpack.Marshal(n)
}

func (msgpackCodec) Unmarshal(data []byte, n *value.Node) error {
	return msgpack.Unmarshal(data, n)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (cborCodec) Name() string { return CodecCBOR }

func (c cborCodec) Marshal(n value.Node) ([]byte, error) {
	return c.enc.Marshal(n)
}

func (c cborCodec) Unmarshal(data []byte, n *value.Node) error {
	return c.dec.Unmarshal(data, n)
}

var (
	msgpackPayload PayloadCodec = msgpackCodec{}
	cborPayload    PayloadCodec = newCBORCodec()
)

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}
	// integers decode as int64 regardless of sign
	dec, err := cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

// CodecByName returns the payload codec registered under name. An empty name
// selects msgpack.
func CodecByName(name string) (PayloadCodec, error) {
	switch name {
	case "", CodecMsgpack:
		return msgpackPayload, nil
	case CodecCBOR:
		return cborPayload, nil
	}
	return nil, fmt.Errorf("unknown payload codec %q", name)
}
