// Package config provides application configuration management.
//
// The config package loads the scriptbox configuration from a YAML file,
// applies defaults and SCRIPTBOX_* environment overrides, and validates the
// result. It covers the MCP server transport, logging, runtime selection,
// dependency resolution and the container engine connection.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Isolated runtime: %v\n", cfg.Runtime.Isolate)
package config
