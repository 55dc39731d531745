package infinio

import "runtime"

// goroutineID extracts the numeric goroutine id from runtime.Stack's header
// line ("goroutine 123 [running]:..."). Used only to assert the "resumed
// from its home Event Processor" and "producer is not the consumer thread"
// invariants; never for scheduling decisions.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
