// File: cmd/wsock/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import "crypto/tls"

func insecureTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12} //nolint:gosec // opt-in via --insecure
}
