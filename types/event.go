package types

import "strings"

// Kind names one of the radio event kinds the session subscribes to.
type Kind string

const (
	KindBattery           Kind = "battery"
	KindDeviceInfo        Kind = "device_info"
	KindTelemetryResponse Kind = "telemetry_response"
	KindContactMsgRecv    Kind = "contact_msg_recv"
	KindChannelMsgRecv    Kind = "channel_msg_recv"
	KindConnected         Kind = "connected"
	KindDisconnected      Kind = "disconnected"
	KindNewContact        Kind = "new_contact"
	KindAdvertisement     Kind = "advertisement"
	KindTraceData         Kind = "trace_data"
	KindSelfInfo          Kind = "self_info"
	KindStatusResponse    Kind = "status_response"
)

// AllKinds is the closed set, in subscription order.
var AllKinds = []Kind{
	KindBattery,
	KindDeviceInfo,
	KindTelemetryResponse,
	KindContactMsgRecv,
	KindChannelMsgRecv,
	KindConnected,
	KindDisconnected,
	KindNewContact,
	KindAdvertisement,
	KindTraceData,
	KindSelfInfo,
	KindStatusResponse,
}

// Name is the upper-case form used in logs and console blocks.
func (k Kind) Name() string { return strings.ToUpper(string(k)) }

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	for _, x := range AllKinds {
		if x == k {
			return true
		}
	}
	return false
}

// Event is one occurrence delivered by the radio transport.
// Payload holds the decoded fields; Attributes holds filterable metadata
// (frame code, receive time, sender prefix).
type Event struct {
	Kind       Kind           `json:"type"`
	Payload    map[string]any `json:"payload"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Handler consumes events. It runs on the transport's delivery goroutine.
type Handler func(Event)
