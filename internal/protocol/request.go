package protocol

import (
	"fmt"

	"github.com/sadewadee/httpbridge/internal/value"
)

// Envelope kinds, matching the operation kinds of the catalog.
const (
	KindOneWay          = "one-way"
	KindRequestResponse = "request-response"
)

// Envelope holds the metadata of a bridged message. It travels msgpack
// encoded in the frame headers.
type Envelope struct {
	ExchangeID string `msgpack:"exchange_id"`
	Operation  string `msgpack:"operation"`
	// Kind is KindOneWay or KindRequestResponse.
	Kind     string `msgpack:"kind"`
	Fallback bool   `msgpack:"fallback,omitempty"`
	// Codec names the payload codec.
	Codec string `msgpack:"codec"`
}

// EncodeRequest creates a REQUEST frame carrying v under env.
func EncodeRequest(seq uint16, env Envelope, v *value.Value, pc PayloadCodec) (*Frame, error) {
	env.Codec = pc.Name()
	headers, err := MarshalMsgpack(&env)
	if err != nil {
		return nil, fmt.Errorf("encoding request envelope: %w", err)
	}
	payload, err := pc.Marshal(value.ToNode(v))
	if err != nil {
		return nil, fmt.Errorf("encoding request payload: %w", err)
	}

	f := &Frame{
		Type:    TypeRequest,
		Seq:     seq,
		Headers: headers,
		Payload: payload,
	}
	if env.Kind == KindOneWay {
		f.Flags |= FlagOneWay
	}
	if env.Fallback {
		f.Flags |= FlagFallback
	}
	return f, nil
}

// DecodeRequest extracts the envelope and value from a REQUEST frame.
func DecodeRequest(f *Frame) (*Envelope, *value.Value, error) {
	if f.Type != TypeRequest {
		return nil, nil, fmt.Errorf("expected REQUEST frame, got %s", TypeName(f.Type))
	}
	return decodeMessage(f)
}

func decodeMessage(f *Frame) (*Envelope, *value.Value, error) {
	var env Envelope
	if err := UnmarshalMsgpack(f.Headers, &env); err != nil {
		return nil, nil, fmt.Errorf("decoding %s envelope: %w", TypeName(f.Type), err)
	}
	pc, err := CodecByName(env.Codec)
	if err != nil {
		return nil, nil, err
	}
	if len(f.Payload) == 0 {
		return &env, value.New(), nil
	}
	var n value.Node
	if err := pc.Unmarshal(f.Payload, &n); err != nil {
		return nil, nil, fmt.Errorf("decoding %s payload: %w", TypeName(f.Type), err)
	}
	return &env, value.FromNode(n), nil
}
