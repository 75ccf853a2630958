// File: cmd/wsock/main.go
// Command wsock runs a WebSocket echo endpoint or dials one from the terminal.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

func main() {
	Execute()
}
