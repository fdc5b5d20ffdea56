package plugin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeusync/gorcd/internal/core/events/bus"
	"github.com/zeusync/gorcd/internal/core/eventkey"
)

// CallbacksFactory mints the HostCallbacks a given plugin's PreInit/Init
// receive. The host calls it once per load with the plugin's own name and
// a pointer to its Record.handlerIDs slice, so Draining can mass-unregister
// exactly the handlers that plugin registered; per-plugin state the host
// itself doesn't need to know the shape of.
type CallbacksFactory func(pluginName string, handlerIDs *[]string) HostCallbacks

// busCallbacks bridges HostCallbacks to the Event Bus. Every key crossing
// the ABI boundary is a plain string, keeping to spec.md §4.6's
// primitives-and-length-prefixed-strings-only FFI rule; parseKeyString is
// the host-side half of that encoding.
type busCallbacks struct {
	b          bus.Bus
	pluginName string
	handlerIDs *[]string
}

// NewBusCallbacks builds the standard HostCallbacks bridging a plugin to
// the Event Bus; composition roots pass NewBusCallbacks as (part of) a
// CallbacksFactory.
func NewBusCallbacks(b bus.Bus, pluginName string, handlerIDs *[]string) HostCallbacks {
	return &busCallbacks{b: b, pluginName: pluginName, handlerIDs: handlerIDs}
}

func (c *busCallbacks) RegisterHandler(key, declaredPayloadType string, fn func(payload []byte) error) (string, error) {
	k, err := parseKeyString(key)
	if err != nil {
		return "", err
	}
	id, err := c.b.Register(bus.Handler{
		Key:                 k,
		DeclaredPayloadType: declaredPayloadType,
		PluginName:          c.pluginName,
		Fn: func(_ context.Context, data eventkey.EventData) error {
			return fn(data.Payload)
		},
	})
	if err != nil {
		return "", err
	}
	*c.handlerIDs = append(*c.handlerIDs, id)
	return id, nil
}

func (c *busCallbacks) UnregisterHandler(id string) error {
	return c.b.Unregister(id)
}

func (c *busCallbacks) Emit(key string, payload []byte) error {
	k, err := parseKeyString(key)
	if err != nil {
		return err
	}
	return c.b.EmitWithContext(k, payload, eventkey.Context{Key: k, Source: eventkey.SourcePlugin})
}

// parseKeyString decodes the ABI-boundary string form of an eventkey.Key:
//
//	core:event_name
//	client:namespace:event_name
//	plugin:plugin_name:event_name
//	gorc_instance:object_type:channel:event_name
//	gorc_client:object_type:channel:event_name
func parseKeyString(s string) (eventkey.Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return eventkey.Key{}, fmt.Errorf("malformed event key %q", s)
	}
	switch parts[0] {
	case "core":
		return eventkey.NewCore(strings.Join(parts[1:], ":")), nil
	case "client":
		if len(parts) < 3 {
			return eventkey.Key{}, fmt.Errorf("malformed client event key %q", s)
		}
		return eventkey.NewClient(parts[1], strings.Join(parts[2:], ":")), nil
	case "plugin":
		if len(parts) < 3 {
			return eventkey.Key{}, fmt.Errorf("malformed plugin event key %q", s)
		}
		return eventkey.NewPlugin(parts[1], strings.Join(parts[2:], ":")), nil
	case "gorc_instance", "gorc_client":
		if len(parts) < 4 {
			return eventkey.Key{}, fmt.Errorf("malformed gorc event key %q", s)
		}
		ch, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return eventkey.Key{}, fmt.Errorf("malformed channel in event key %q: %w", s, err)
		}
		eventName := strings.Join(parts[3:], ":")
		if parts[0] == "gorc_instance" {
			return eventkey.NewGorcInstance(parts[1], uint8(ch), eventName), nil
		}
		return eventkey.NewGorcClient(parts[1], uint8(ch), eventName), nil
	default:
		return eventkey.Key{}, fmt.Errorf("unknown event key kind %q", parts[0])
	}
}
