package utils

import "github.com/valyala/bytebufferpool"

// Stream relays borrow scratch buffers from a shared pool instead of
// allocating per chunk.
var pool bytebufferpool.Pool

// Get borrows a buffer from the pool.
func Get() *bytebufferpool.ByteBuffer {
	return pool.Get()
}

// Put returns a buffer to the pool.
func Put(b *bytebufferpool.ByteBuffer) {
	pool.Put(b)
}
