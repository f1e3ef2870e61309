// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger shared by every scriptbox
// component. Both modes write to stderr, leaving stdout to the MCP stdio
// transport and to streamed script output.
//
// Usage:
//
//	log, err := logger.New("development", "debug")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("runtime ready", zap.String("python_tag", tag))
package logger
