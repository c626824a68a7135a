package ipc

import (
	"sync"
	"sync/atomic"

	"github.com/corekernel-os/corekernel/internal/hashtable"
	"github.com/corekernel-os/corekernel/internal/kerr"
)

// Channel is a named publish endpoint: unicast finds one subscriber
// with room, broadcast fans out best-effort to every subscriber.
type Channel struct {
	mu         sync.Mutex
	ID         uint64
	Name       string
	Broadcast  bool
	Persistent bool
	subs       []int

	reg *Registry
}

// Subscribe adds pid to the channel's subscriber list, de-duplicated.
func (c *Channel) Subscribe(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.subs {
		if p == pid {
			return
		}
	}
	c.subs = append(c.subs, pid)
}

// Unsubscribe removes pid, if present. A non-persistent channel whose
// last subscriber leaves is removed from its registry.
func (c *Channel) Unsubscribe(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.subs {
		if p == pid {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			if len(c.subs) == 0 && !c.Persistent && c.reg != nil {
				if cur, ok := c.reg.Lookup(c.Name); ok && cur == c {
					c.reg.Remove(c.Name)
				}
			}
			return
		}
	}
}

// Subscribers returns a snapshot of the current subscriber list.
func (c *Channel) Subscribers() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.subs...)
}

// Send delivers msg to the channel: broadcast copies it to every
// subscriber's process queue, skipping full ones (best-effort,
// always succeeds); unicast enqueues to the first subscriber with
// free capacity and fails with QueueFull if none takes it.
func (c *Channel) Send(msg *Message) kerr.Err_t {
	subs := c.Subscribers()
	if c.Broadcast {
		for _, pid := range subs {
			mb, ok := c.reg.Mailbox(pid)
			if !ok {
				continue
			}
			cp := *msg
			mb.Send(&cp, true)
		}
		return kerr.SUCCESS
	}
	for _, pid := range subs {
		mb, ok := c.reg.Mailbox(pid)
		if !ok {
			continue
		}
		cp := *msg
		if mb.Send(&cp, true) == kerr.SUCCESS {
			return kerr.SUCCESS
		}
	}
	return kerr.ErrQueueFull
}

// Registry is the channel-name -> *Channel and pid -> mailbox lookup
// IPC sits on top of. The name index is an internal/hashtable so the
// send-to-channel fast path can look names up from many CPUs without
// taking a lock.
type Registry struct {
	channels *hashtable.Hashtable_t
	nextID   uint64

	mu        sync.Mutex
	mailboxes map[int]*Queue
}

// NewRegistry returns an empty channel/mailbox registry.
func NewRegistry() *Registry {
	return &Registry{channels: hashtable.MkHash(64), mailboxes: make(map[int]*Queue)}
}

// RegisterMailbox associates pid with its process-wide receive queue.
func (r *Registry) RegisterMailbox(pid int, q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailboxes[pid] = q
}

// UnregisterMailbox drops pid's mailbox association, on process exit.
func (r *Registry) UnregisterMailbox(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mailboxes, pid)
}

// Mailbox returns pid's registered receive queue.
func (r *Registry) Mailbox(pid int) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.mailboxes[pid]
	return q, ok
}

// Create registers a new channel under name. Fails with INVALID if
// the name is already taken, since channel names are unique.
func (r *Registry) Create(name string, broadcast, persistent bool) (*Channel, kerr.Err_t) {
	ch := &Channel{ID: atomic.AddUint64(&r.nextID, 1), Name: name, Broadcast: broadcast, Persistent: persistent, reg: r}
	if _, inserted := r.channels.Set(name, ch); !inserted {
		return nil, kerr.INVALID
	}
	return ch, kerr.SUCCESS
}

// Lookup finds a channel by name.
func (r *Registry) Lookup(name string) (*Channel, bool) {
	v, ok := r.channels.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*Channel), true
}

// Remove deletes a channel from the registry (non-persistent channels
// are removed when their last subscriber leaves; persistent ones only
// on explicit Remove).
func (r *Registry) Remove(name string) {
	r.channels.Del(name)
}
