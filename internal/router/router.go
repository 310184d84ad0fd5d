// Package router implements the relay's central state machine. Each
// connection moves Unclassified → Sender|Observer → Closed; content frames
// from senders become broadcast events on the shared channel, and events
// arriving from the subscription fan out to locally owned observers only.
package router

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notify-relay/internal/conntable"
	"notify-relay/internal/metrics"
	"notify-relay/internal/protocol"
	"notify-relay/internal/registry"
)

// Default size of the duplicate-suppression window. Broadcast volume is
// modest; a thousand ids comfortably covers any redelivery burst.
const defaultSeenWindow = 1024

// Sampled warn logging for dropped pushes: log every Nth drop.
const dropLogSampleEvery = 100

// Registry is the slice of the shared registry client the router needs.
// Kept as an interface so tests can route against a fake store.
type Registry interface {
	Advertise(ctx context.Context, connectionID, role string) error
	Withdraw(connectionID string) error
	PublishBroadcast(ctx context.Context, ev *registry.Event) error
}

// Router wires the connection table to the shared registry.
type Router struct {
	table  *conntable.Table
	reg    Registry
	logger zerolog.Logger

	seen      *seenWindow
	dropCount atomic.Int64
}

func New(table *conntable.Table, reg Registry, logger zerolog.Logger) *Router {
	return &Router{
		table:  table,
		reg:    reg,
		logger: logger.With().Str("component", "router").Logger(),
		seen:   newSeenWindow(defaultSeenWindow),
	}
}

// HandleFrame processes one inbound frame from a connection. Frames for one
// connection arrive serialized (the transport's read pump calls this one
// frame at a time); different connections run in parallel. Protocol errors
// are reported back on the connection, which stays open with its state
// unchanged.
func (r *Router) HandleFrame(ctx context.Context, h conntable.Handle, raw []byte) {
	frame, perr := protocol.ParseFrame(raw)
	if perr != nil {
		r.reject(h, perr)
		return
	}

	switch frame.Action {
	case protocol.ActionSetConnectionType:
		r.handleClassify(ctx, h, frame)
	case protocol.ActionSendMessage:
		r.handleContent(ctx, h, frame)
	default:
		r.reject(h, protocol.Errorf(protocol.CodeUnknownAction, "unknown action %q", frame.Action))
	}
}

func (r *Router) handleClassify(ctx context.Context, h conntable.Handle, frame *protocol.Frame) {
	payload, perr := protocol.ParseSetConnectionType(frame.Data)
	if perr != nil {
		r.reject(h, perr)
		return
	}

	role := conntable.RoleSender
	if payload.ConnectionType == protocol.ConnectionTypeAdmin {
		role = conntable.RoleObserver
	}

	if err := r.table.Classify(h.ID(), role); err != nil {
		if errors.Is(err, conntable.ErrAlreadyClassified) {
			r.reject(h, protocol.Errorf(protocol.CodeAlreadyClassified, "connection type already set"))
			return
		}
		r.logger.Error().Err(err).Str("connection_id", h.ID()).Msg("Classification failed")
		return
	}
	metrics.ConnectionsByRole.WithLabelValues(role.String()).Inc()

	if role == conntable.RoleObserver {
		// Advertise failure does not undo the classification: the heartbeat
		// renewal loop re-advertises every live observer, so visibility
		// recovers as soon as the store does.
		if err := r.reg.Advertise(ctx, h.ID(), role.String()); err != nil {
			r.logger.Error().
				Err(err).
				Str("connection_id", h.ID()).
				Msg("Failed to advertise observer record")
		}
	}

	r.logger.Info().
		Str("connection_id", h.ID()).
		Str("role", role.String()).
		Msg("Connection classified")

	r.send(h, protocol.EncodeAck(protocol.ActionSetConnectionType, ""))
}

func (r *Router) handleContent(ctx context.Context, h conntable.Handle, frame *protocol.Frame) {
	switch r.table.Role(h.ID()) {
	case conntable.RoleSender:
		// fall through to publish
	case conntable.RoleObserver:
		r.reject(h, protocol.Errorf(protocol.CodeNotSender, "observers are receive-only"))
		return
	default:
		r.reject(h, protocol.Errorf(protocol.CodeNotSender, "connection must classify before sending"))
		return
	}

	payload, perr := protocol.ParseSendMessage(frame.Data)
	if perr != nil {
		r.reject(h, perr)
		return
	}

	ev := &registry.Event{
		MessageID:          uuid.NewString(),
		Content:            payload.Content,
		SenderConnectionID: h.ID(),
		PublishedAt:        time.Now().UTC(),
	}

	if err := r.reg.PublishBroadcast(ctx, ev); err != nil {
		r.logger.Error().
			Err(err).
			Str("connection_id", h.ID()).
			Str("message_id", ev.MessageID).
			Msg("Broadcast publication failed")
		r.reject(h, protocol.Errorf(protocol.CodePublishFailed, "message could not be published"))
		return
	}

	r.send(h, protocol.EncodeAck(protocol.ActionSendMessage, ev.MessageID))
}

// HandleBroadcast consumes one event from the shared channel and pushes it
// to every locally owned observer. Each push is independent: a full buffer
// or broken socket on one handle never blocks or fails delivery to the rest.
func (r *Router) HandleBroadcast(ev *registry.Event) {
	if ev.MessageID == "" || !r.seen.FirstSeen(ev.MessageID) {
		if ev.MessageID != "" {
			metrics.DuplicatesSuppressed.Inc()
		}
		return
	}

	observers := r.table.Observers()
	if len(observers) == 0 {
		return
	}

	data := protocol.EncodeMessage(ev.MessageID, ev.Content, ev.PublishedAt)

	for _, obs := range observers {
		err := obs.Send(data)
		if err == nil {
			metrics.MessagesDelivered.Inc()
			continue
		}

		reason := "send_error"
		if errors.Is(err, conntable.ErrCapacityExceeded) {
			reason = "buffer_full"
		}
		metrics.PushesDropped.WithLabelValues(reason).Inc()

		if n := r.dropCount.Add(1); n%dropLogSampleEvery == 1 {
			r.logger.Warn().
				Err(err).
				Str("connection_id", obs.ID()).
				Str("message_id", ev.MessageID).
				Str("reason", reason).
				Int64("total_drops", n).
				Msg("Broadcast push dropped")
		}
	}
}

// HandleClose transitions a connection to Closed: its table entry goes away
// and, if it was an advertised observer, its registry record is withdrawn
// best-effort (an unreachable store lets the TTL clean up instead).
func (r *Router) HandleClose(connectionID string) {
	role, existed := r.table.Remove(connectionID)
	if !existed {
		return
	}
	if role != conntable.RoleUnclassified {
		metrics.ConnectionsByRole.WithLabelValues(role.String()).Dec()
	}
	if role == conntable.RoleObserver {
		if err := r.reg.Withdraw(connectionID); err != nil {
			r.logger.Warn().
				Err(err).
				Str("connection_id", connectionID).
				Msg("Observer record withdraw failed; leaving it to expire")
		}
	}
	r.logger.Debug().
		Str("connection_id", connectionID).
		Str("role", role.String()).
		Msg("Connection closed")
}

func (r *Router) reject(h conntable.Handle, perr *protocol.Error) {
	metrics.ProtocolErrors.WithLabelValues(perr.Code).Inc()
	r.logger.Debug().
		Str("connection_id", h.ID()).
		Str("code", perr.Code).
		Str("detail", perr.Message).
		Msg("Protocol error")
	r.send(h, protocol.EncodeError(perr))
}

// send pushes a control frame to one connection, tolerating a full buffer.
// Feedback frames are best-effort; a client too slow to read its own errors
// will miss them.
func (r *Router) send(h conntable.Handle, data []byte) {
	if err := h.Send(data); err != nil && !errors.Is(err, conntable.ErrCapacityExceeded) {
		r.logger.Debug().Err(err).Str("connection_id", h.ID()).Msg("Control frame send failed")
	}
}
