package concurrency

// ringBuffer keeps the most recent lines of agent output. Not safe for
// concurrent use; LifecycleManager guards it with its mutex.
type ringBuffer struct {
	lines []string
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{lines: make([]string, capacity)}
}

func (b *ringBuffer) add(line string) {
	capacity := len(b.lines)
	if b.size < capacity {
		b.lines[(b.start+b.size)%capacity] = line
		b.size++
		return
	}
	// full: overwrite the oldest line
	b.lines[b.start] = line
	b.start = (b.start + 1) % capacity
}

func (b *ringBuffer) snapshot() []string {
	out := make([]string, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

func (b *ringBuffer) reset() {
	clear(b.lines)
	b.start = 0
	b.size = 0
}
