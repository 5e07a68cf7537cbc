package diffim

import "sync/atomic"

// IDSource hands out unique, increasing solution identifiers.
// It is safe for concurrent use; the zero value starts at 1.
type IDSource struct {
	last atomic.Int64
}

// Next returns the next identifier.
func (s *IDSource) Next() int64 {
	return s.last.Add(1)
}
