package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a consumer stops caring about a
// channel that a producer will still close (e.g. a monitor subscription).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
