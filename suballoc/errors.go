package suballoc

import "github.com/cockroachdb/errors"

// ErrOutOfMemory is returned from Lease when no free chunk can hold the request. It is a local failure:
// the allocator is left untouched and the caller may report it and carry on.
var ErrOutOfMemory = errors.New("sub-allocator is out of memory")

// ErrBlockFreed is returned when a mapping is requested from a block that has already been released
var ErrBlockFreed = errors.New("block has already been freed")

// ErrMappingOpen is returned when a mapping is requested on an externally-synchronized allocator while
// another mapping into the same backing buffer is still open
var ErrMappingOpen = errors.New("another mapping of this backing buffer is still open")

// ErrDestroyed is returned by operations on an allocator after Destroy has been called
var ErrDestroyed = errors.New("sub-allocator has been destroyed")
