package protocol

import (
	"fmt"

	"github.com/sadewadee/httpbridge/internal/value"
)

// EncodeResponse creates a RESPONSE frame answering request seq.
func EncodeResponse(seq uint16, env Envelope, v *value.Value, pc PayloadCodec) (*Frame, error) {
	env.Codec = pc.Name()
	headers, err := MarshalMsgpack(&env)
	if err != nil {
		return nil, fmt.Errorf("encoding response envelope: %w", err)
	}
	payload, err := pc.Marshal(value.ToNode(v))
	if err != nil {
		return nil, fmt.Errorf("encoding response payload: %w", err)
	}
	return &Frame{
		Type:    TypeResponse,
		Seq:     seq,
		Headers: headers,
		Payload: payload,
	}, nil
}

// DecodeResponse extracts the envelope and reply value from a RESPONSE frame.
func DecodeResponse(f *Frame) (*Envelope, *value.Value, error) {
	if f.Type != TypeResponse {
		return nil, nil, fmt.Errorf("expected RESPONSE frame, got %s", TypeName(f.Type))
	}
	return decodeMessage(f)
}
