package relay

// Registry is the connection-descriptor-to-Connection map described
// in SPEC_FULL.md §4.4. Unlike the original's ndConnectionMap, which
// biased every key by +1 to keep a raw pointer's zero value out of
// the key space, this map is keyed directly by the file descriptor:
// Go maps distinguish a present zero value from absence, so no bias
// is needed (Design Note "Pointer-biased keys as membership
// encoding").
type Registry struct {
	conns map[int]*Connection
}

func newRegistry() *Registry {
	return &Registry{conns: make(map[int]*Connection)}
}

// Add inserts c and returns whatever connection previously occupied
// its descriptor (nil if none); it does not close that connection, so
// the caller must. This guards against descriptor-reuse races
// exactly like ndConnectionMapAdd: the kernel can hand out a
// just-closed fd to a brand new accept before the event loop has
// finished unwinding the old Connection's bookkeeping.
func (r *Registry) Add(c *Connection) *Connection {
	prev := r.conns[c.fd]
	r.conns[c.fd] = c
	return prev
}

func (r *Registry) Get(fd int) (*Connection, bool) {
	c, ok := r.conns[fd]
	return c, ok
}

func (r *Registry) Remove(fd int) {
	delete(r.conns, fd)
}

func (r *Registry) Len() int {
	return len(r.conns)
}

// Each calls fn once per connection currently in the registry. fn
// must not mutate the registry; callers that need to close
// connections while iterating should collect fds first, matching the
// "collect then act" idiom used by ndConnectionCheckIdleConnections.
func (r *Registry) Each(fn func(*Connection)) {
	for _, c := range r.conns {
		fn(c)
	}
}
