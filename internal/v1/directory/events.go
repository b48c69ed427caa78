package directory

import "github.com/whispernet/whisper/internal/v1/codec"

// Listener receives directory events. Nil callbacks are skipped. Callbacks
// run outside the directory's data lock but serialized in mutation order;
// they must not call mutating directory operations.
type Listener struct {
	OnUserJoin  func(user UserInfo)
	OnUserLeave func(user UserInfo)
	OnUserNick  func(user UserInfo, oldNick string)
	OnUserRoom  func(user UserInfo, oldRoom string)
	OnMessage   func(m codec.ChatMessage)
}

// Subscribe attaches a listener and returns its detach function.
func (d *Directory) Subscribe(l *Listener) func() {
	d.mu.Lock()
	handle := d.nextHandle
	d.nextHandle++
	d.listeners[handle] = l
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, handle)
		d.mu.Unlock()
	}
}

// snapshotListenersLocked copies the listener set so callbacks run outside
// the data lock. Caller must hold d.mu.
func (d *Directory) snapshotListenersLocked() []*Listener {
	out := make([]*Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		out = append(out, l)
	}
	return out
}
