// Package types defines the identifiers, entity records, command envelopes,
// change events, store contract and standard errors shared by every canopy
// component. It has no dependencies on the engine internals so that plugins,
// store backends and RPC clients can import it on its own.
package types
