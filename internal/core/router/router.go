// Package router implements the Message Router: the boundary between raw
// network bytes and the Event Bus. It parses the inbound JSON envelope
// grammar, resolves it to an eventkey.Key, enforces the client/server
// authority rule, and hands the result to the bus with SourceNetwork,
// grounded on internal/core/protocol/message.go's JSONCodec/BasicMessage
// peek-then-decode shape.
package router

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/zeusync/gorcd/internal/core/apperr"
	"github.com/zeusync/gorcd/internal/core/events/bus"
	"github.com/zeusync/gorcd/internal/core/eventkey"
	"github.com/zeusync/gorcd/internal/core/observability/log"
	"github.com/zeusync/gorcd/internal/core/wire"
)

// Sender delivers a response frame back to the originating connection. A
// nil Sender is valid; rejections are then only counted and logged.
type Sender interface {
	SendFrame(data []byte) error
}

// ObjectTypeResolver looks up the type name GORC registered an object
// under, needed to build a GorcClient key from an inbound object_id
// (spec.md §4.7: "GorcClient{object_type_resolved_from_object_id, ...}").
type ObjectTypeResolver interface {
	ResolveObjectType(objectID string) (string, bool)
}

// explicitlyAuthorityDenied names envelope type tags that directly name a
// server-authoritative keyspace; spec.md §4.7 requires these rejected as
// an authority violation rather than treated as merely unrecognized.
var explicitlyAuthorityDenied = map[string]bool{
	"core_event":         true,
	"plugin_event":       true,
	"gorc_instance_event": true,
}

// Router is the Message Router of spec.md §4.7.
type Router struct {
	bus              bus.Bus
	resolver         ObjectTypeResolver
	maxEnvelopeBytes int
	limiter          RateLimiter
	logger           log.Log

	inboundDropped atomic.Uint64
}

// New builds a Router. limiter may be nil to disable rate limiting.
func New(b bus.Bus, resolver ObjectTypeResolver, maxEnvelopeBytes int, limiter RateLimiter, logger log.Log) *Router {
	return &Router{
		bus:              b,
		resolver:         resolver,
		maxEnvelopeBytes: maxEnvelopeBytes,
		limiter:          limiter,
		logger:           logger,
	}
}

// HandleInbound parses raw as one inbound envelope from connID and, on
// success, emits it onto the bus under eventkey.SourceNetwork. On
// rejection it increments inboundDropped, logs the reason, and, if sender
// is non-nil, writes back a client_event{namespace:"error"} envelope.
func (r *Router) HandleInbound(connID string, raw []byte, sender Sender) error {
	if r.maxEnvelopeBytes > 0 && len(raw) > r.maxEnvelopeBytes {
		return r.reject(connID, sender, apperr.ErrEnvelopeTooLarge, "envelope exceeds max_envelope_bytes")
	}
	if r.limiter != nil && !r.limiter.Allow(connID) {
		return r.reject(connID, sender, apperr.ErrBackpressureDropped, "inbound rate limit exceeded")
	}

	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return r.reject(connID, sender, apperr.ErrMalformedEnvelope, "envelope is not valid JSON")
	}

	switch env.Type {
	case wire.TypeClientEvent:
		return r.handleClientEvent(connID, raw, sender)
	case wire.TypeGorcEvent:
		return r.handleGorcEvent(connID, raw, sender)
	default:
		if explicitlyAuthorityDenied[env.Type] {
			return r.reject(connID, sender, apperr.ErrAuthorityViolation, fmt.Sprintf("envelope type %q is server-authoritative", env.Type))
		}
		return r.reject(connID, sender, apperr.ErrMalformedEnvelope, fmt.Sprintf("unrecognized envelope type %q", env.Type))
	}
}

func (r *Router) handleClientEvent(connID string, raw []byte, sender Sender) error {
	var in wire.ClientEventIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return r.reject(connID, sender, apperr.ErrMalformedEnvelope, "malformed client_event envelope")
	}

	key := eventkey.NewClient(in.Namespace, in.Event)
	return r.emit(connID, sender, key, []byte(in.Data))
}

func (r *Router) handleGorcEvent(connID string, raw []byte, sender Sender) error {
	var in wire.GorcEventIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return r.reject(connID, sender, apperr.ErrMalformedEnvelope, "malformed gorc_event envelope")
	}
	if in.Channel < 0 || in.Channel > 3 {
		return r.reject(connID, sender, apperr.ErrChannelOutOfRange, fmt.Sprintf("channel %d out of range 0..=3", in.Channel))
	}

	objectType, ok := r.resolver.ResolveObjectType(in.ObjectID)
	if !ok {
		return r.reject(connID, sender, apperr.ErrObjectNotFound, fmt.Sprintf("unknown object_id %q", in.ObjectID))
	}

	key := eventkey.NewGorcClient(objectType, uint8(in.Channel), in.Event)
	return r.emit(connID, sender, key, []byte(in.Data))
}

func (r *Router) emit(connID string, sender Sender, key eventkey.Key, payload []byte) error {
	ctx := eventkey.Context{
		Key:    key,
		Source: eventkey.SourceNetwork,
		Metadata: map[string]any{
			"conn_id": connID,
		},
	}
	if err := r.bus.EmitWithContext(key, payload, ctx); err != nil {
		return r.reject(connID, sender, err, "bus rejected emission: "+err.Error())
	}
	return nil
}

func (r *Router) reject(connID string, sender Sender, cause error, reason string) error {
	r.inboundDropped.Add(1)
	r.logger.Warn("router rejected inbound envelope",
		log.String("conn_id", connID), log.ErrorWithKey("cause", cause), log.String("reason", reason))

	if sender != nil {
		if encoded, encErr := json.Marshal(wire.ErrorEvent(reason)); encErr == nil {
			if sendErr := sender.SendFrame(encoded); sendErr != nil {
				r.logger.Error("failed to send rejection frame", log.String("conn_id", connID), log.Error(sendErr))
			}
		}
	}
	return cause
}

// InboundDropped reports the cumulative count of rejected inbound
// envelopes, surfaced by the server's monitoring snapshot.
func (r *Router) InboundDropped() uint64 {
	return r.inboundDropped.Load()
}
