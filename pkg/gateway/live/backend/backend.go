// Package backend opens live conversational sessions for the relay.
//
// A Runner turns a resolved session record and a RunConfig into a Live
// connection. Live is both the outbound request handle and the inbound event
// stream the relay forwards between.
package backend

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

type Mode string

const (
	ModeText  Mode = "text"
	ModeAudio Mode = "audio"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeText:
		return ModeText, nil
	case ModeAudio:
		return ModeAudio, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want text or audio)", raw)
	}
}

// RunConfig selects how the live connection behaves.
type RunConfig struct {
	Model             string
	Mode              Mode
	SystemInstruction string

	InputTranscription  bool
	OutputTranscription bool
	// AutomaticActivityDetection off means the client sends activity
	// start/end markers itself.
	AutomaticActivityDetection bool
	Proactivity                bool
	AffectiveDialog            bool
	// Resume reconnects with the session's stored resumption handle and asks
	// the backend for fresh handles.
	Resume bool
}

// DefaultRunConfig returns the configuration used when a client passes no
// query options. Audio mode transcribes both directions.
func DefaultRunConfig(model string, mode Mode) RunConfig {
	if mode == "" {
		mode = ModeText
	}
	return RunConfig{
		Model:                      model,
		Mode:                       mode,
		InputTranscription:         mode == ModeAudio,
		OutputTranscription:        mode == ModeAudio,
		AutomaticActivityDetection: true,
	}
}

var modelName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,127}$`)

// ParseRunConfig applies query options on top of base. Unknown keys are
// ignored; malformed values are errors.
func ParseRunConfig(q url.Values, base RunConfig) (RunConfig, error) {
	cfg := base
	if raw := strings.TrimSpace(q.Get("model")); raw != "" {
		if !modelName.MatchString(raw) {
			return RunConfig{}, fmt.Errorf("invalid model %q", raw)
		}
		cfg.Model = raw
	}
	if raw := q.Get("mode"); raw != "" {
		mode, err := ParseMode(raw)
		if err != nil {
			return RunConfig{}, err
		}
		if mode != cfg.Mode {
			defaults := DefaultRunConfig(cfg.Model, mode)
			cfg.Mode = mode
			cfg.InputTranscription = defaults.InputTranscription
			cfg.OutputTranscription = defaults.OutputTranscription
		}
	}

	flags := []struct {
		key string
		dst *bool
	}{
		{"in_transcription", &cfg.InputTranscription},
		{"out_transcription", &cfg.OutputTranscription},
		{"vad", &cfg.AutomaticActivityDetection},
		{"proactivity", &cfg.Proactivity},
		{"affective", &cfg.AffectiveDialog},
		{"resume", &cfg.Resume},
	}
	for _, f := range flags {
		raw := strings.TrimSpace(q.Get(f.key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return RunConfig{}, fmt.Errorf("%s must be a boolean", f.key)
		}
		*f.dst = v
	}
	return cfg, nil
}

// Live is one open backend connection.
type Live interface {
	// Send forwards one client message. Sending protocol.Close ends the
	// backend conversation; it is idempotent.
	Send(ctx context.Context, msg protocol.Message) error
	// Next blocks for the next backend event and returns io.EOF once the
	// backend has ended the stream.
	Next(ctx context.Context) (any, error)
	// Close releases the connection.
	Close() error
}

type Runner interface {
	RunLive(ctx context.Context, sess *store.Session, cfg RunConfig) (Live, error)
}
