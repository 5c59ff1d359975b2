// Package kv defines the key-value storage contract used for all durable
// OAuth state. It supports pluggable backends; see kv/memory for an
// in-memory implementation and kv/valkey for a Valkey-backed one.
package kv
