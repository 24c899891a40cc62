package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
)

// upstream forwards transport frames to the backend in arrival order. On the
// way out, whatever the cause, it signals close on the request handle once.
func (r *Relay) upstream(ctx context.Context) error {
	defer r.signalClose(ctx)

	for {
		messageType, data, err := r.transport.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.setOutcome(OutcomeClientGone)
			return fmt.Errorf("read frame: %w: %w", ErrClientGone, err)
		}

		msg, ok := r.decode(messageType, data)
		if !ok {
			continue
		}
		if _, closing := msg.(protocol.Close); closing {
			r.setOutcome(OutcomeClientClose)
			return nil
		}

		if err := r.requests.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.setOutcome(OutcomeError)
			return fmt.Errorf("send %s: %w", msg.Kind(), err)
		}
		r.metrics.RecordFrame(metrics.DirectionUpstream, string(msg.Kind()))
	}
}

func (r *Relay) signalClose(ctx context.Context) {
	if err := r.requests.Send(context.WithoutCancel(ctx), protocol.Close{}); err != nil {
		r.logger.Debug("signal close to backend", "error", err)
		return
	}
	r.metrics.RecordFrame(metrics.DirectionUpstream, string(protocol.KindClose))
}

// decode maps one frame to a message. Malformed frames are dropped here and
// never end the forwarder.
func (r *Relay) decode(messageType int, data []byte) (protocol.Message, bool) {
	switch messageType {
	case websocket.BinaryMessage:
		return protocol.DecodeBinary(data), true
	case websocket.TextMessage:
		msg, err := protocol.DecodeText(data)
		if err == nil {
			return msg, true
		}
		reason := "invalid_frame"
		var decErr *protocol.DecodeError
		if errors.As(err, &decErr) {
			reason = decErr.Code
		}
		r.logger.Warn("dropping malformed frame", "reason", reason, "error", err, "bytes", len(data))
		r.metrics.RecordDropped(metrics.DirectionUpstream, reason)
		return nil, false
	default:
		r.logger.Warn("dropping frame of unsupported type", "message_type", messageType)
		r.metrics.RecordDropped(metrics.DirectionUpstream, "unsupported_type")
		return nil, false
	}
}

// downstream writes one text frame per backend event until the stream ends
// or the transport rejects a write.
func (r *Relay) downstream(ctx context.Context) error {
	for {
		event, err := r.events.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.setOutcome(OutcomeStreamEnded)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.setOutcome(OutcomeError)
			return fmt.Errorf("next event: %w", err)
		}
		if event == nil {
			continue
		}

		payload, err := protocol.EncodeEvent(event)
		if err != nil {
			r.logger.Warn("dropping event that failed to serialize", "event_type", fmt.Sprintf("%T", event), "error", err)
			r.metrics.RecordDropped(metrics.DirectionDownstream, "encode")
			continue
		}

		if err := r.writeText(payload); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.setOutcome(OutcomeClientGone)
			return fmt.Errorf("write frame: %w: %w", ErrClientGone, err)
		}
		r.metrics.RecordFrame(metrics.DirectionDownstream, "event")
	}
}

func (r *Relay) writeText(payload []byte) error {
	if err := r.transport.SetWriteDeadline(r.now().Add(r.cfg.WriteTimeout)); err != nil {
		return err
	}
	return r.transport.WriteMessage(websocket.TextMessage, payload)
}
