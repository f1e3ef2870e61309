// Package main is the entry point for the scriptbox MCP server.
//
// The server exposes Python script execution over the Model Context
// Protocol. Scripts run either directly on the host through uv or inside a
// long-lived container with cached per-project environments, and their
// third-party imports can be resolved into pinned requirements.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
