package session

import "sync"

// serialMap correlates a reply arriving on one connection's serial space
// back to the serial the original caller used on the other connection.
// Every hop through the proxy is a distinct godbus *dbus.Conn with its own
// serial numbering, so a forwarded method call is reassigned a brand new
// serial by the receiving connection's Send; the eventual reply's
// reply-serial header must be translated back before it is relayed
// onward, or the original caller's pending-call bookkeeping will never
// see its answer.
type serialMap struct {
	mu      sync.Mutex
	pending map[uint32]uint32 // new serial -> original serial
}

func newSerialMap() *serialMap {
	return &serialMap{pending: make(map[uint32]uint32)}
}

// track records that a call forwarded with newSerial should have its
// reply's reply-serial rewritten back to original.
func (m *serialMap) track(newSerial, original uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[newSerial] = original
}

// resolve looks up and forgets the original serial for a reply whose
// reply-serial header is replySerial. ok is false if replySerial was never
// tracked (not a reply to a call this session forwarded).
func (m *serialMap) resolve(replySerial uint32) (original uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	original, ok = m.pending[replySerial]
	if ok {
		delete(m.pending, replySerial)
	}
	return original, ok
}
