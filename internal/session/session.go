// Package session implements one proxied client connection: a client-side
// *dbus.Conn accepted by the listener, paired with an upstream *dbus.Conn
// dialed fresh for that client, with every message crossing between them
// subject to the outgoing/incoming filter chains in decision.go.
package session

import (
	"context"
	"fmt"
	"io"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/nikicat/dbus-filterproxy/internal/dbusproto"
	"github.com/nikicat/dbus-filterproxy/internal/eavesdrop"
	"github.com/nikicat/dbus-filterproxy/internal/logging"
	"github.com/nikicat/dbus-filterproxy/internal/rules"
)

// UpstreamError indicates the dial, Auth or Hello against the real bus
// failed for one session. Fatal to that session only (spec.md §7).
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream: %v", e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Session owns one client's proxied connection to the bus for its entire
// lifetime: client <-> Session <-> upstream broker.
type Session struct {
	id       string
	client   *dbus.Conn
	upstream *dbus.Conn
	engine   *rules.Engine
	eaves    *eavesdrop.Set
	log      *logging.Logger

	uniqueName string

	// outbound tracks calls this session forwarded client->upstream, to
	// translate the eventual reply's serial back to the client's
	// original. inbound does the same for the rarer case of a call
	// arriving upstream->client (a peer invoking a method this client
	// exports).
	outbound *serialMap
	inbound  *serialMap

	clientMsgs   chan *dbus.Message
	upstreamMsgs chan *dbus.Message
}

// New constructs a Session around an already SASL-handshaken client
// transport and a freshly dialed, Hello'd upstream connection.
func New(client, upstream *dbus.Conn, uniqueName string, engine *rules.Engine, eaves *eavesdrop.Set, log *logging.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:           id,
		client:       client,
		upstream:     upstream,
		engine:       engine,
		eaves:        eaves,
		log:          log.WithSession(id),
		uniqueName:   uniqueName,
		outbound:     newSerialMap(),
		inbound:      newSerialMap(),
		clientMsgs:   make(chan *dbus.Message, 64),
		upstreamMsgs: make(chan *dbus.Message, 64),
	}
}

// ID returns the session's correlation id, used for log tagging and
// status introspection.
func (s *Session) ID() string { return s.id }

// Run pumps messages between client and upstream until either side closes
// or the context is cancelled, then tears both connections down. It
// blocks until the session ends and returns the error that ended it:
// io.EOF when a connection's message stream closes or the client sends the
// local Disconnected signal, nil when ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.log.LogSessionStart(ctx, s.uniqueName)

	s.client.Eavesdrop(s.clientMsgs)
	s.upstream.Eavesdrop(s.upstreamMsgs)
	defer s.client.Eavesdrop(nil)
	defer s.upstream.Eavesdrop(nil)

	errs := make(chan error, 2)
	go func() { errs <- s.pumpOutgoing(ctx) }()
	go func() { errs <- s.pumpIncoming(ctx) }()

	err := <-errs
	cancel()
	<-errs // wait for the other pump to notice cancellation and exit

	s.client.Close()
	s.upstream.Close()

	reason := "client disconnect"
	if err != nil && err != io.EOF {
		reason = "error"
	}
	s.log.LogSessionEnd(ctx, reason, err)
	return err
}

// pumpOutgoing reads messages the client sent and applies the outgoing
// filter chain.
func (s *Session) pumpOutgoing(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.clientMsgs:
			if !ok {
				return io.EOF
			}
			if err := s.handleOutgoing(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// pumpIncoming reads messages arriving from the upstream broker and
// applies the incoming filter chain.
func (s *Session) pumpIncoming(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.upstreamMsgs:
			if !ok {
				return io.EOF
			}
			if err := s.handleIncoming(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleOutgoing(ctx context.Context, msg *dbus.Message) error {
	// A reply to something a peer upstream called on the client carries a
	// serial this session invented when relaying that call; translate it
	// back before anything else sees it.
	s.rewriteOutgoingReply(msg)

	d := DecideOutgoing(msg, s.uniqueName, s.engine)
	switch d.Action {
	case SynthesizeReply:
		s.log.LogHelloSpoofed(ctx, s.uniqueName)
		return s.client.Send(d.Reply, nil).Err
	case Close:
		return io.EOF
	case Forward:
		if d.RuleChecked {
			s.log.LogDecision(ctx, "accepted", string(rules.Outgoing),
				dbusproto.Interface(msg), string(dbusproto.Path(msg)), dbusproto.Member(msg))
		}
		return s.forwardToUpstream(msg)
	case Drop:
		// spec.md §7: a policy denial is not an error reply — it is a
		// "not-yet-handled" transport result. The message is dropped and
		// any pending call on the client side resolves via its own
		// timeout, exactly as if nothing on the bus ever answered it.
		s.log.LogDecision(ctx, "rejected", string(rules.Outgoing),
			dbusproto.Interface(msg), string(dbusproto.Path(msg)), dbusproto.Member(msg))
		return nil
	default:
		return nil
	}
}

func (s *Session) handleIncoming(ctx context.Context, msg *dbus.Message) error {
	d := DecideIncoming(msg, s.uniqueName, s.eaves, s.engine)
	if d.EavesdropAdded != "" {
		s.log.LogEavesdropDetected(ctx, d.EavesdropAdded)
	}
	if d.EavesdropCleared != "" {
		s.log.LogEavesdropCleared(ctx, d.EavesdropCleared)
	}

	switch d.Action {
	case DropSilent:
		return nil
	case Forward:
		s.rewriteIncomingReply(msg)
		return s.forwardToClient(msg)
	case Drop:
		s.log.LogDecision(ctx, "rejected", string(rules.Incoming),
			dbusproto.Interface(msg), string(dbusproto.Path(msg)), dbusproto.Member(msg))
		return nil
	default:
		return nil
	}
}

// forwardToUpstream relays a call or signal originating from the client
// onward to the broker, remembering the serial remap for eventual replies.
func (s *Session) forwardToUpstream(msg *dbus.Message) error {
	if msg.Type != dbus.TypeMethodCall {
		return s.upstream.Send(msg, nil).Err
	}
	original := msg.Serial()
	call := s.upstream.Send(msg, nil)
	if call.Err != nil {
		return call.Err
	}
	s.outbound.track(msg.Serial(), original)
	return nil
}

// forwardToClient relays a message arriving from the broker onward to the
// client, remembering the serial remap for calls the client must reply to.
func (s *Session) forwardToClient(msg *dbus.Message) error {
	if msg.Type != dbus.TypeMethodCall {
		return s.client.Send(msg, nil).Err
	}
	original := msg.Serial()
	call := s.client.Send(msg, nil)
	if call.Err != nil {
		return call.Err
	}
	s.inbound.track(msg.Serial(), original)
	return nil
}

// rewriteOutgoingReply translates a client reply's reply-serial from the
// client's own serial space back to the serial the upstream peer that
// originated the call is waiting on.
func (s *Session) rewriteOutgoingReply(msg *dbus.Message) {
	replySerial, ok := dbusproto.ReplySerial(msg)
	if !ok {
		return
	}
	if original, ok := s.inbound.resolve(replySerial); ok {
		dbusproto.SetReplySerial(msg, original)
	}
}

// rewriteIncomingReply translates an upstream reply's reply-serial back to
// the serial the client used on its own original call.
func (s *Session) rewriteIncomingReply(msg *dbus.Message) {
	replySerial, ok := dbusproto.ReplySerial(msg)
	if !ok {
		return
	}
	if original, ok := s.outbound.resolve(replySerial); ok {
		dbusproto.SetReplySerial(msg, original)
	}
}
