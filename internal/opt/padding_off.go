//go:build (amd64 || 386 || arm || mips || mipsle || wasm) && !qsync_disable_padding && !qsync_enable_padding

package opt

// Pad_ separates hot atomic words (queue head and tail) of a synchronizer.
// Padding is disabled by default for:
// - amd64
// - 32-bit architectures (386, arm, mips, mipsle, wasm)
type Pad_ struct{}
