package rcon

// streamBuffer accumulates TCP reads and hands decoded frames back with
// amortized cost. A read offset advances past consumed bytes; compaction
// only happens once the dead prefix outweighs the live remainder, so
// appends do not copy the whole buffer on every packet.
type streamBuffer struct {
	buf []byte
	off int
}

// Write appends incoming bytes.
func (b *streamBuffer) Write(p []byte) {
	if b.off > 0 && (b.off >= len(b.buf) || b.off > 4096 && b.off > len(b.buf)-b.off) {
		b.compact()
	}
	b.buf = append(b.buf, p...)
}

// Bytes returns the unconsumed remainder. The slice is only valid until
// the next Write or Consume.
func (b *streamBuffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Consume advances past n decoded bytes.
func (b *streamBuffer) Consume(n int) {
	b.off += n
	if b.off >= len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
}

// Len reports the number of unconsumed bytes.
func (b *streamBuffer) Len() int {
	return len(b.buf) - b.off
}

func (b *streamBuffer) compact() {
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.off = 0
}
