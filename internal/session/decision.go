package session

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/dbus-filterproxy/internal/dbusproto"
	"github.com/nikicat/dbus-filterproxy/internal/eavesdrop"
	"github.com/nikicat/dbus-filterproxy/internal/rules"
)

// Action is the outcome of filtering one message.
type Action int

const (
	// Forward sends the message on to the peer connection unmodified.
	Forward Action = iota
	// Drop silently discards the message; a PolicyDeny is logged by the
	// caller (not here, since Decide has no logger dependency).
	Drop
	// DropSilent discards the message without any policy-deny logging —
	// used for eavesdropper suppression, which is not itself a rule
	// verdict.
	DropSilent
	// SynthesizeReply answers the client locally with Reply instead of
	// forwarding anything upstream.
	SynthesizeReply
	// Close tears the session down (client-local Disconnected signal).
	Close
)

// Decision is the result of filtering a single message, modeled as a pure
// value so the filter logic can be tested without any I/O.
type Decision struct {
	Action      Action
	Reply       *dbus.Message
	RuleChecked bool // true if Action came from a rule-engine verdict

	// EavesdropAdded and EavesdropCleared report names added to or
	// removed from the Eavesdropper Set as a side effect of this
	// message, empty when neither happened. Surfaced so the caller can
	// log the event without re-deriving it from the message.
	EavesdropAdded   string
	EavesdropCleared string
}

// isHello reports whether msg is the client's bootstrap Hello call.
func isHello(msg *dbus.Message) bool {
	return msg.Type == dbus.TypeMethodCall &&
		dbusproto.Path(msg) == dbusproto.BusPath &&
		dbusproto.Interface(msg) == dbusproto.BusInterface &&
		dbusproto.Destination(msg) == dbusproto.BusName &&
		dbusproto.Member(msg) == dbusproto.MemberHello
}

// helloReply builds the synthesized method-return for a Hello call,
// carrying the session's cached upstream unique name as its single
// string argument (spec.md P2).
func helloReply(call *dbus.Message, uniqueName string) *dbus.Message {
	reply := &dbus.Message{
		Type: dbus.TypeMethodReturn,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldDestination: dbus.MakeVariant(dbusproto.Sender(call)),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(uniqueName)),
		},
		Body: []interface{}{uniqueName},
	}
	dbusproto.SetReplySerial(reply, call.Serial())
	return reply
}

// isEavesdropTrigger reports whether msg is an AddMatch call requesting
// eavesdrop delivery (spec.md §4.2, "Eavesdrop detection").
func isEavesdropTrigger(msg *dbus.Message) bool {
	if dbusproto.Member(msg) != dbusproto.MemberAddMatch {
		return false
	}
	for _, arg := range msg.Body {
		s, ok := arg.(string)
		if !ok {
			continue
		}
		if containsEavesdropTrue(s) {
			return true
		}
		break // only the first string argument is examined
	}
	return false
}

func containsEavesdropTrue(s string) bool {
	return strings.Contains(s, "eavesdrop=true") || strings.Contains(s, "eavesdrop='true'")
}

// DecideOutgoing applies the client-to-broker filter chain (spec.md
// §4.2 "Outgoing filter").
func DecideOutgoing(msg *dbus.Message, uniqueName string, engine *rules.Engine) Decision {
	if isHello(msg) {
		return Decision{Action: SynthesizeReply, Reply: helloReply(msg, uniqueName)}
	}
	if dbusproto.IsLocalDisconnect(msg) {
		return Decision{Action: Close}
	}
	if dbusproto.IsBusControl(msg) {
		return Decision{Action: Forward}
	}

	iface := dbusproto.Interface(msg)
	path := dbusproto.Path(msg)
	member := dbusproto.Member(msg)
	if engine.IsAllowed(rules.Outgoing, iface, string(path), member) {
		return Decision{Action: Forward, RuleChecked: true}
	}
	return Decision{Action: Drop, RuleChecked: true}
}

// DecideIncoming applies the broker-to-client filter chain (spec.md §4.2
// "Incoming filter"), mutating eavesdroppers as a side effect of
// NameAcquired tracking and eavesdrop-trigger capture exactly as spec.md
// describes those steps as part of the filter itself. uniqueName is this
// session's own upstream-assigned name, used for eavesdropper suppression.
func DecideIncoming(msg *dbus.Message, uniqueName string, eavesdroppers *eavesdrop.Set, engine *rules.Engine) Decision {
	if dbusproto.Member(msg) == dbusproto.MemberNameAcquired {
		name := dbusproto.Destination(msg)
		if name != "" && eavesdroppers.Remove(name) {
			return Decision{Action: Forward, EavesdropCleared: name}
		}
		return Decision{Action: Forward}
	}

	if dbusproto.IsBusControl(msg) {
		if isEavesdropTrigger(msg) {
			sender := dbusproto.Sender(msg)
			if sender != "" && !eavesdroppers.Contains(sender) {
				eavesdroppers.Add(sender)
				return Decision{Action: Forward, EavesdropAdded: sender}
			}
		}
		return Decision{Action: Forward}
	}

	// Once this connection's own unique name has become a known
	// eavesdropper (it registered an eavesdrop=true match), the normal
	// filtered delivery path is suppressed entirely: it already receives
	// everything via eavesdropping, so the ordinary incoming filter must
	// not also deliver it a second time.
	if eavesdroppers.Contains(uniqueName) {
		return Decision{Action: DropSilent}
	}

	iface := dbusproto.Interface(msg)
	path := dbusproto.Path(msg)
	member := dbusproto.Member(msg)
	if engine.IsAllowed(rules.Incoming, iface, string(path), member) {
		return Decision{Action: Forward, RuleChecked: true}
	}
	return Decision{Action: Drop, RuleChecked: true}
}
