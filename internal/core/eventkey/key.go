// Package eventkey defines the structured routing key used by the event bus,
// GORC, and the message router to address handlers without string parsing.
package eventkey

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind discriminates the variant of a Key.
type Kind uint8

const (
	Core Kind = iota
	Client
	Plugin
	GorcInstance
	GorcClient
	Custom
)

func (k Kind) String() string {
	switch k {
	case Core:
		return "core"
	case Client:
		return "client"
	case Plugin:
		return "plugin"
	case GorcInstance:
		return "gorc_instance"
	case GorcClient:
		return "gorc_client"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// ClientOriginable reports whether a handler registered on this kind of key
// may be invoked by traffic originating from the Router. Client and
// GorcClient are the only client-originable keyspaces; Core, Plugin, and
// GorcInstance are server-authoritative.
func (k Kind) ClientOriginable() bool {
	return k == Client || k == GorcClient
}

// Key is the tagged variant StructuredEventKey. Only
// the fields relevant to its Kind are meaningful; the rest are left at their
// zero value, and both == and Hash compare or hash every field.
//
// Key is comparable (all fields are value types), so it can be used directly
// as a map key when string-free equality is sufficient; Hash is provided for
// sharded lookups that want a fixed-width bucket selector instead.
type Key struct {
	Kind        Kind
	Namespace   string // Client
	EventName   string // Core, Client, Plugin, GorcInstance, GorcClient
	PluginName  string // Plugin
	ObjectType  string // GorcInstance, GorcClient
	Channel     uint8  // GorcInstance, GorcClient, 0..=3
	CustomField string // Custom: fields joined with a separator not valid in the other variants
}

// NewCore builds a Core{event_name} key.
func NewCore(eventName string) Key {
	return Key{Kind: Core, EventName: eventName}
}

// NewClient builds a Client{namespace, event_name} key.
func NewClient(namespace, eventName string) Key {
	return Key{Kind: Client, Namespace: namespace, EventName: eventName}
}

// NewPlugin builds a Plugin{plugin_name, event_name} key.
func NewPlugin(pluginName, eventName string) Key {
	return Key{Kind: Plugin, PluginName: pluginName, EventName: eventName}
}

// NewGorcInstance builds a GorcInstance{object_type, channel, event_name} key.
func NewGorcInstance(objectType string, channel uint8, eventName string) Key {
	return Key{Kind: GorcInstance, ObjectType: objectType, Channel: channel, EventName: eventName}
}

// NewGorcClient builds a GorcClient{object_type, channel, event_name} key.
func NewGorcClient(objectType string, channel uint8, eventName string) Key {
	return Key{Kind: GorcClient, ObjectType: objectType, Channel: channel, EventName: eventName}
}

// NewCustom builds a Custom key from an ordered sequence of fields, joined
// with a separator that cannot occur in the other variants' fields (they are
// never user-supplied free text containing the unit separator byte).
func NewCustom(fields ...string) Key {
	return Key{Kind: Custom, CustomField: strings.Join(fields, "\x1f")}
}

// CustomFields splits a Custom key's joined field string back into its parts.
func (k Key) CustomFields() []string {
	if k.Kind != Custom || k.CustomField == "" {
		return nil
	}
	return strings.Split(k.CustomField, "\x1f")
}

// Hash returns a fixed-width hash of the key, built over its fields in a
// fixed order, suitable for shard selection. It is not used for equality; Go struct equality already
// gives exact equality on Key.
func (k Key) Hash() uint64 {
	var b strings.Builder
	b.WriteByte(byte(k.Kind))
	b.WriteByte(0)
	b.WriteString(k.Namespace)
	b.WriteByte(0)
	b.WriteString(k.EventName)
	b.WriteByte(0)
	b.WriteString(k.PluginName)
	b.WriteByte(0)
	b.WriteString(k.ObjectType)
	b.WriteByte(0)
	b.WriteByte(k.Channel)
	b.WriteByte(0)
	b.WriteString(k.CustomField)
	return xxhash.Sum64String(b.String())
}

// String renders a human-readable form for logs, following the teacher's
// convention of a String() method on every wire/enum-like type.
func (k Key) String() string {
	switch k.Kind {
	case Core:
		return fmt.Sprintf("core{%s}", k.EventName)
	case Client:
		return fmt.Sprintf("client{%s,%s}", k.Namespace, k.EventName)
	case Plugin:
		return fmt.Sprintf("plugin{%s,%s}", k.PluginName, k.EventName)
	case GorcInstance:
		return fmt.Sprintf("gorc_instance{%s,%d,%s}", k.ObjectType, k.Channel, k.EventName)
	case GorcClient:
		return fmt.Sprintf("gorc_client{%s,%d,%s}", k.ObjectType, k.Channel, k.EventName)
	case Custom:
		return fmt.Sprintf("custom{%s}", strings.Join(k.CustomFields(), ","))
	default:
		return "unknown{}"
	}
}
