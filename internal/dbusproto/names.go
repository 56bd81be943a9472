// Package dbusproto holds the bus-control protocol constants and small
// header accessors the proxy needs to classify messages without depending
// on any particular service's interfaces.
package dbusproto

import "github.com/godbus/dbus/v5"

// Bus-control interface, path and well-known name, per the D-Bus
// specification's "Message Bus" section.
const (
	BusInterface = "org.freedesktop.DBus"
	BusPath      = dbus.ObjectPath("/org/freedesktop/DBus")
	BusName      = "org.freedesktop.DBus"

	// LocalInterface carries connection-local signals such as
	// Disconnected that never actually cross the wire.
	LocalInterface = "org.freedesktop.DBus.Local"
)

// Bus-control members the proxy treats specially.
const (
	MemberHello            = "Hello"
	MemberAddMatch         = "AddMatch"
	MemberNameAcquired     = "NameAcquired"
	MemberNameOwnerChanged = "NameOwnerChanged"
	MemberDisconnected     = "Disconnected"
)

// Path returns the object path header of msg, or "" if absent.
func Path(msg *dbus.Message) dbus.ObjectPath {
	if v, ok := msg.Headers[dbus.FieldPath]; ok {
		if p, ok := v.Value().(dbus.ObjectPath); ok {
			return p
		}
	}
	return ""
}

// Interface returns the interface header of msg, or "" if absent.
func Interface(msg *dbus.Message) string {
	return stringHeader(msg, dbus.FieldInterface)
}

// Member returns the member header of msg, or "" if absent.
func Member(msg *dbus.Message) string {
	return stringHeader(msg, dbus.FieldMember)
}

// Destination returns the destination header of msg, or "" if absent.
func Destination(msg *dbus.Message) string {
	return stringHeader(msg, dbus.FieldDestination)
}

// Sender returns the sender header of msg, or "" if absent.
func Sender(msg *dbus.Message) string {
	return stringHeader(msg, dbus.FieldSender)
}

// ErrorName returns the error-name header of msg, or "" if absent.
func ErrorName(msg *dbus.Message) string {
	return stringHeader(msg, dbus.FieldErrorName)
}

// ReplySerial returns the reply-serial header of msg and whether it was
// present at all (method returns and errors carry one, calls and signals
// do not).
func ReplySerial(msg *dbus.Message) (uint32, bool) {
	v, ok := msg.Headers[dbus.FieldReplySerial]
	if !ok {
		return 0, false
	}
	serial, ok := v.Value().(uint32)
	return serial, ok
}

// SetReplySerial overwrites the reply-serial header of msg.
func SetReplySerial(msg *dbus.Message, serial uint32) {
	msg.Headers[dbus.FieldReplySerial] = dbus.MakeVariant(serial)
}

func stringHeader(msg *dbus.Message, field dbus.HeaderField) string {
	if v, ok := msg.Headers[field]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

// IsBusControl reports whether msg targets the bus itself, either because
// it has no interface set or because the interface is explicitly
// org.freedesktop.DBus. Such messages always pass through the rule engine
// unconditionally (spec: bus-control passthrough).
func IsBusControl(msg *dbus.Message) bool {
	iface := Interface(msg)
	return iface == "" || iface == BusInterface
}

// IsLocalDisconnect reports whether msg is the connection-local
// Disconnected signal every D-Bus client library synthesizes when its
// transport drops, never actually sent over the wire.
func IsLocalDisconnect(msg *dbus.Message) bool {
	return msg.Type == dbus.TypeSignal &&
		Interface(msg) == LocalInterface &&
		Member(msg) == MemberDisconnected
}
