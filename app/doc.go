// Package app wires the scriptbox components together with fx.
//
// Core provides the layout, the strict host shell, the dependency resolver,
// the project materializer and the configured runtime. Server adds the MCP
// server and runs it on the configured transport. The runtime is closed when
// the application stops.
//
// Usage:
//
//	fx.New(
//	    fx.Provide(config.New),
//	    app.Core,
//	    app.Server,
//	).Run()
package app
