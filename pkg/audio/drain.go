package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming producer must run to
// completion but its output is no longer wanted (e.g., a cancelled synthesis).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
