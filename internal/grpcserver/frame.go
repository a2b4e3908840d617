package grpcserver

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	FrameStart   = "start"
	FrameMessage = "message"
	FrameEnd     = "end"
	FrameAck     = "ack"
	FrameError   = "error"
)

// Frame is one unit on the conversation stream. On the wire it is a google.protobuf.Struct.
type Frame struct {
	Type        string
	SessionID   string
	MessageID   string
	Sender      string
	Text        string
	TimestampMs int64
	Metadata    map[string]string
	Error       string
}

func (f Frame) Struct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"type": structpb.NewStringValue(f.Type),
	}
	put := func(k, v string) {
		if v != "" {
			fields[k] = structpb.NewStringValue(v)
		}
	}
	put("session_id", f.SessionID)
	put("message_id", f.MessageID)
	put("sender", f.Sender)
	put("text", f.Text)
	put("error", f.Error)
	if f.TimestampMs != 0 {
		fields["timestamp_ms"] = structpb.NewNumberValue(float64(f.TimestampMs))
	}
	if len(f.Metadata) > 0 {
		md := make(map[string]*structpb.Value, len(f.Metadata))
		for k, v := range f.Metadata {
			md[k] = structpb.NewStringValue(v)
		}
		fields["metadata"] = structpb.NewStructValue(&structpb.Struct{Fields: md})
	}
	return &structpb.Struct{Fields: fields}
}

// FrameFromStruct reads a frame. Unknown fields are ignored; metadata values of any kind are
// flattened to strings.
func FrameFromStruct(s *structpb.Struct) Frame {
	str := func(k string) string {
		return strings.TrimSpace(s.GetFields()[k].GetStringValue())
	}
	f := Frame{
		Type:        strings.ToLower(str("type")),
		SessionID:   str("session_id"),
		MessageID:   str("message_id"),
		Sender:      str("sender"),
		Text:        s.GetFields()["text"].GetStringValue(),
		TimestampMs: int64(s.GetFields()["timestamp_ms"].GetNumberValue()),
		Error:       str("error"),
	}
	if md := s.GetFields()["metadata"].GetStructValue(); md != nil {
		f.Metadata = make(map[string]string, len(md.GetFields()))
		for k, v := range md.GetFields() {
			if sv, ok := v.GetKind().(*structpb.Value_StringValue); ok {
				f.Metadata[k] = sv.StringValue
			} else {
				f.Metadata[k] = fmt.Sprint(v.AsInterface())
			}
		}
	}
	return f
}
