package qsync

import "runtime"

// goid returns the id of the calling goroutine.
//
// The id is parsed from the first line of runtime.Stack, which always reads
// "goroutine <id> [<status>]:". Ids are never reused within a process, so
// they are safe to use as the identity of a Thread.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoid(buf[:n])
}

func parseGoid(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var id int64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
