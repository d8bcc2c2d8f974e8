package allocator

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNoSpace is returned by Allocate when no slab in this zone
// currently has a free block.
var ErrNoSpace = status.Error(codes.ResourceExhausted, "no space: zone has no free blocks")

// ErrReadOnly is returned by any mutating operation once the shared
// read-only notifier has been tripped.
var ErrReadOnly = status.Error(codes.Unavailable, "allocator is in read-only mode")
