package trial

import "sync/atomic"

// Mailbox holds the current trial. The session swaps in a new trial on each
// onset while the acquisition loop and decoders read the current one.
type Mailbox struct {
	current atomic.Pointer[Trial]
}

// Current returns the current trial, or nil before the first onset.
func (m *Mailbox) Current() *Trial { return m.current.Load() }

// Swap installs t and force-closes the trial it replaces, which is
// returned.
func (m *Mailbox) Swap(t *Trial) *Trial {
	prev := m.current.Swap(t)
	if prev != nil {
		prev.Close(ReasonSuperseded)
	}
	return prev
}

// CloseCurrent force-closes the current trial, if any, at the end of the
// session and returns it.
func (m *Mailbox) CloseCurrent() *Trial {
	cur := m.current.Load()
	if cur != nil {
		cur.Close(ReasonSessionEnd)
	}
	return cur
}
