package transcode

import "sync"

const stderrLines = 200

// logBuffer keeps the most recent transcoder stderr lines for diagnostics.
type logBuffer struct {
	mu      sync.RWMutex
	entries [stderrLines]string
	head    int
	size    int
}

// Append adds a line, overwriting the oldest once full.
func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = line
	b.head = (b.head + 1) % len(b.entries)
	if b.size < len(b.entries) {
		b.size++
	}
}

// Tail returns up to n lines, oldest first. n <= 0 returns everything held.
func (b *logBuffer) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	if n <= 0 || n > b.size {
		n = b.size
	}
	capN := len(b.entries)
	out := make([]string, n)
	start := (b.head - n + capN) % capN
	for i := range n {
		out[i] = b.entries[(start+i)%capN]
	}
	return out
}
