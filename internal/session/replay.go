package session

// replayBuffer keeps the most recent terminal output so a viewer attaching
// mid-session can redraw the screen. Older bytes are overwritten once the
// buffer is full. It is guarded by the owning session's mutex.
type replayBuffer struct {
	data  []byte
	next  int    // write position within data
	total uint64 // bytes ever written
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		return nil
	}
	return &replayBuffer{data: make([]byte, capacity)}
}

func (r *replayBuffer) Write(p []byte) {
	if r == nil {
		return
	}
	// only the tail of an oversized write can survive
	if len(p) > len(r.data) {
		p = p[len(p)-len(r.data):]
	}
	for len(p) > 0 {
		n := copy(r.data[r.next:], p)
		r.next = (r.next + n) % len(r.data)
		r.total += uint64(n)
		p = p[n:]
	}
}

// Bytes returns a copy of everything retained, oldest first.
func (r *replayBuffer) Bytes() []byte {
	if r == nil || r.total == 0 {
		return nil
	}
	if r.total < uint64(len(r.data)) {
		return append([]byte(nil), r.data[:r.next]...)
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.next:]...)
	return append(out, r.data[:r.next]...)
}
