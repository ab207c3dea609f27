//go:build race

package opt

// Race_ reports whether the binary was built with the race detector.
// Stress tests scale their iteration counts down when it is set.
const Race_ = true
