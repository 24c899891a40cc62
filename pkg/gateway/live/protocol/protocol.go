package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// AudioPCM16kMono is the fixed format assumed for every binary frame.
const AudioPCM16kMono = "audio/pcm;rate=16000"

type Kind string

const (
	KindText          Kind = "text"
	KindBlob          Kind = "blob"
	KindActivityStart Kind = "activity_start"
	KindActivityEnd   Kind = "activity_end"
	KindClose         Kind = "close"
)

// Message is one relayed message. The concrete type carries exactly one
// payload: user text, a media blob, or a control signal.
type Message interface {
	Kind() Kind
	isMessage()
}

type Text struct {
	Text string
}

type Blob struct {
	MIMEType string
	Data     []byte
}

type ActivityStart struct{}

type ActivityEnd struct{}

type Close struct{}

func (Text) Kind() Kind          { return KindText }
func (Blob) Kind() Kind          { return KindBlob }
func (ActivityStart) Kind() Kind { return KindActivityStart }
func (ActivityEnd) Kind() Kind   { return KindActivityEnd }
func (Close) Kind() Kind         { return KindClose }

func (Text) isMessage()          {}
func (Blob) isMessage()          {}
func (ActivityStart) isMessage() {}
func (ActivityEnd) isMessage()   {}
func (Close) isMessage()         {}

type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	CodeInvalidJSON  = "invalid_json"
	CodeUnrecognized = "unrecognized_envelope"
	CodeAmbiguous    = "ambiguous_envelope"
	CodeInvalidBlob  = "invalid_blob"
)

func decodeErr(code, format string, args ...any) *DecodeError {
	return &DecodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type blobEnvelope struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

var envelopeKeys = []Kind{KindBlob, KindActivityStart, KindActivityEnd, KindClose}

// DecodeText turns one text frame into a message. Frames whose first
// non-space byte is '{' are structured envelopes; anything else is user text.
func DecodeText(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Text{Text: string(data)}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, decodeErr(CodeInvalidJSON, "structured frame is not valid json")
	}

	var matched []Kind
	for _, k := range envelopeKeys {
		if _, ok := fields[string(k)]; ok {
			matched = append(matched, k)
		}
	}
	switch len(matched) {
	case 0:
		return nil, decodeErr(CodeUnrecognized, "no recognized key in envelope")
	case 1:
	default:
		names := make([]string, len(matched))
		for i, k := range matched {
			names[i] = string(k)
		}
		return nil, decodeErr(CodeAmbiguous, "envelope carries %s", strings.Join(names, ", "))
	}

	raw := fields[string(matched[0])]
	switch matched[0] {
	case KindBlob:
		return decodeBlob(raw)
	case KindActivityStart:
		if !isObject(raw) {
			return nil, decodeErr(CodeUnrecognized, "activity_start must be an object")
		}
		return ActivityStart{}, nil
	case KindActivityEnd:
		if !isObject(raw) {
			return nil, decodeErr(CodeUnrecognized, "activity_end must be an object")
		}
		return ActivityEnd{}, nil
	case KindClose:
		var closing bool
		if err := json.Unmarshal(raw, &closing); err != nil || !closing {
			return nil, decodeErr(CodeUnrecognized, "close must be true")
		}
		return Close{}, nil
	default:
		return nil, decodeErr(CodeUnrecognized, "unsupported envelope %q", matched[0])
	}
}

// DecodeBinary wraps a binary frame as 16 kHz mono PCM audio.
func DecodeBinary(data []byte) Message {
	return Blob{MIMEType: AudioPCM16kMono, Data: data}
}

func decodeBlob(raw json.RawMessage) (Message, error) {
	if !isObject(raw) {
		return nil, decodeErr(CodeInvalidBlob, "blob must be an object")
	}
	var env blobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, decodeErr(CodeInvalidBlob, "blob fields have wrong types")
	}
	if env.Data == "" {
		return nil, decodeErr(CodeInvalidBlob, "blob.data is required")
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, decodeErr(CodeInvalidBlob, "blob.data is not base64")
	}
	mime := strings.TrimSpace(env.MIMEType)
	if mime == "" {
		mime = AudioPCM16kMono
	}
	return Blob{MIMEType: mime, Data: data}, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// EncodeEvent serializes one backend event as a single JSON text frame.
// Field names and omission rules come from the event's own json tags.
func EncodeEvent(event any) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("nil event")
	}
	return json.Marshal(event)
}

// ServerError is sent before the relay closes a connection it could not set up
// or whose backend session failed.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

func NewServerError(code, message string) ServerError {
	return ServerError{Type: "error", Code: code, Message: message, Close: true}
}
