// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable memory for the frame write path.
// SyncPool is a typed wrapper over sync.Pool; BytePool keeps encode
// buffers in a few size classes so steady traffic does not allocate per frame.
package pool
