//go:build qsync_enable_padding

package opt

import (
	"unsafe"
)

// Pad_ separates hot atomic words (queue head and tail) of a synchronizer.
// Padding is force-enabled via the qsync_enable_padding build tag.
// Use: go build -tags=qsync_enable_padding
type Pad_ [CacheLineSize_ - unsafe.Sizeof(uintptr(0))]byte
