// Package config loads the gateway configuration from a single JSON or YAML
// file, fills defaults and resolves relative paths against the file's
// directory. The path comes from --config or OPENMCP_GATE_CONFIG.
package config
