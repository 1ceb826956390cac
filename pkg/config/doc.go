// Package config loads collabd's runtime configuration from an optional YAML
// file, over which cmd/collabd applies its command-line flags (no environment
// variables are read): a single struct validated once at startup, with
// defaults matching the disk and sync plugins' own numbers (compaction
// thresholds, reconnect backoff bounds).
package config
