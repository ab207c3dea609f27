//go:build qsync_disable_padding

package opt

// Pad_ separates hot atomic words (queue head and tail) of a synchronizer.
// Padding is force-disabled via the qsync_disable_padding build tag.
// Use: go build -tags=qsync_disable_padding
type Pad_ struct{}
