// Package config loads and validates the JSON configuration that drives the
// MCP-Flow daemon: server address, storage and queue drivers, connection pool
// capacity, workflow execution parameters, and LLM provider settings.
package config
