// Package session
// Author: momentics <momentics@gmail.com>
//
// Registry of live connections owned by a listener. Entries are sharded by
// ID so that accept and close paths on different connections rarely
// contend on the same lock.

package session
