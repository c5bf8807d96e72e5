package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrUnknownKind is returned when a frame carries an unrecognised type.
	ErrUnknownKind = errors.New("unknown message type")
	// ErrMissingParent is returned when a child frame has no parent_id.
	ErrMissingParent = errors.New("child message without parent_id")
	// ErrMissingID is returned when a conversation frame has no id.
	ErrMissingID = errors.New("message without id")
)

// Codec converts records to and from transport frames.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
	// Binary reports whether frames must be sent as binary websocket frames.
	Binary() bool
}

// CodecByName returns the codec registered under name ("json" or "proto").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes records as JSON text frames with a "type" discriminator.
type JSONCodec struct{}

func (JSONCodec) Binary() bool { return false }

// Encode encodes msg into a JSON document.
func (JSONCodec) Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("failed to encode message: nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if msg.Kind() == KindEvent {
		return data, nil
	}
	data, err = sjson.SetBytes(data, "type", msg.Kind().String())
	if err != nil {
		return nil, fmt.Errorf("failed to encode message type: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON document into the record variant named by its
// "type" field.
func (JSONCodec) Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("failed to decode message: invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errors.New("failed to decode message: not a JSON object")
	}

	typ := root.Get("type")
	if !typ.Exists() {
		if root.Get("event").Exists() {
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil, fmt.Errorf("failed to decode event: %w", err)
			}
			return &ev, nil
		}
		return nil, fmt.Errorf("failed to decode message: %w", ErrUnknownKind)
	}

	msg, err := newMessage(Kind(typ.String()))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", msg.Kind(), err)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func newMessage(kind Kind) (Message, error) {
	switch kind {
	case KindText:
		return &Text{}, nil
	case KindLoading:
		return &Loading{}, nil
	case KindReasoning:
		return &Reasoning{}, nil
	case KindTool:
		return &Tool{}, nil
	case KindSources:
		return &Sources{}, nil
	case KindPing:
		return &Ping{}, nil
	default:
		return nil, fmt.Errorf("failed to decode message: %w: %q", ErrUnknownKind, kind)
	}
}

func validate(msg Message) error {
	if msg.Kind().IsControl() {
		return nil
	}
	if msg.MessageID() == "" {
		return fmt.Errorf("failed to decode %s message: %w", msg.Kind(), ErrMissingID)
	}
	if parent, ok := ParentID(msg); ok && parent == "" {
		return fmt.Errorf("failed to decode %s message %q: %w", msg.Kind(), msg.MessageID(), ErrMissingParent)
	}
	return nil
}

// ProtoCodec carries the JSON document as a protobuf Struct in binary frames.
type ProtoCodec struct{}

func (ProtoCodec) Binary() bool { return true }

// Encode encodes msg into protobuf bytes.
func (ProtoCodec) Encode(msg Message) ([]byte, error) {
	doc, err := JSONCodec{}.Encode(msg)
	if err != nil {
		return nil, err
	}
	pbMsg, err := toProto(doc)
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(pbMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes protobuf bytes into a record.
func (ProtoCodec) Decode(data []byte) (Message, error) {
	pbMsg := &structpb.Struct{}
	if err := proto.Unmarshal(data, pbMsg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	doc, err := fromProto(pbMsg)
	if err != nil {
		return nil, err
	}
	return JSONCodec{}.Decode(doc)
}

// toProto converts a JSON document to a protobuf Struct.
// This conversion isolates protobuf implementation details from the records.
func toProto(doc []byte) (*structpb.Struct, error) {
	pbMsg := &structpb.Struct{}
	if err := protojson.Unmarshal(doc, pbMsg); err != nil {
		return nil, fmt.Errorf("failed to convert message to protobuf: %w", err)
	}
	return pbMsg, nil
}

// fromProto converts a protobuf Struct back to a JSON document.
func fromProto(pbMsg *structpb.Struct) ([]byte, error) {
	doc, err := protojson.Marshal(pbMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to convert message from protobuf: %w", err)
	}
	return doc, nil
}
