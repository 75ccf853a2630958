// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot-reload, runtime metrics and debug introspection for
// wsock endpoints.
//
// Provides concurrent-safe state handling primitives including:
//   - Typed configuration with YAML loading and validation
//   - Immutable snapshot config reads and reload observers
//   - Counter metrics implementing api.Metrics
//   - Debug probe registration and state export
package control
