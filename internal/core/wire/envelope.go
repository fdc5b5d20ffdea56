// Package wire defines the JSON envelope grammar from spec.md §4.7/§6,
// shared by the Message Router (inbound) and the GORC Replication
// Scheduler (outbound) so both sides agree on one wire shape, grounded on
// the teacher's BasicMessage/JSONCodec pattern
// (internal/core/protocol/message.go).
package wire

import "encoding/json"

// Envelope is the minimal shape every inbound/outbound message shares: a
// discriminating type tag. Decode the type first, then re-decode into the
// concrete shape, mirroring JSONCodec.Decode's two-pass approach.
type Envelope struct {
	Type string `json:"type"`
}

// Inbound shapes (spec.md §4.7).

type ClientEventIn struct {
	Type      string          `json:"type"`
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

type GorcEventIn struct {
	Type     string          `json:"type"`
	ObjectID string          `json:"object_id"`
	Channel  int             `json:"channel"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Outbound shapes (spec.md §6).

type ZoneEntryOut struct {
	Type       string          `json:"type"`
	ObjectID   string          `json:"object_id"`
	ObjectType string          `json:"object_type"`
	Channel    uint8           `json:"channel"`
	ZoneData   json.RawMessage `json:"zone_data"`
}

type ZoneExitOut struct {
	Type     string `json:"type"`
	ObjectID string `json:"object_id"`
	Channel  uint8  `json:"channel"`
}

type UpdateOut struct {
	Type        string `json:"type"`
	ObjectID    string `json:"object_id"`
	Channel     uint8  `json:"channel"`
	DeltaBase64 string `json:"delta"`
	Compression string `json:"compression"`
}

type ClientEventOut struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Event     string `json:"event"`
	Data      any    `json:"data"`
}

// ErrorEvent is the user-visible rejection the Router sends back on
// authority or validation failure (spec.md §7: "inbound rejected messages
// return a client_event with namespace 'error'").
func ErrorEvent(reason string) ClientEventOut {
	return ClientEventOut{
		Type:      "client_event",
		Namespace: "error",
		Event:     "rejected",
		Data:      map[string]string{"reason": reason},
	}
}

const (
	TypeClientEvent = "client_event"
	TypeGorcEvent   = "gorc_event"
	TypeZoneEntry   = "gorc_zone_entry"
	TypeZoneExit    = "gorc_zone_exit"
	TypeUpdate      = "gorc_update"
)
