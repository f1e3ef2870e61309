// Package mcpserver exposes the scriptbox runtime over the Model Context Protocol.
//
// The server registers tools for running ad-hoc scripts, materializing and
// running projects, and resolving script requirements. It uses the
// mark3labs/mcp-go library for the protocol and serves over stdio or the
// streamable HTTP transport as configured.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, logger, rt, materializer, resolver, overrides)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.ServeStdio() // or srv.ServeHTTP()
package mcpserver
