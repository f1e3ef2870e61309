// Package sandbox manages container images and containers for isolated execution.
//
// The sandbox package wraps the Docker Engine API behind the narrow DockerAPI
// interface. It checks, builds and pulls images, starts long-lived containers,
// copies host paths into them and exposes a Container handle that the shell
// package uses to execute commands inside the container.
//
// Usage:
//
//	client, err := sandbox.NewClient(logger)
//	if err := client.BuildImage(ctx, "scriptbox-runtime:py-3.12", dockerfile); err != nil {
//	    return err
//	}
//	ctr, err := client.RunContainer(ctx, "scriptbox-runtime:py-3.12", sandbox.RunOptions{
//	    AutoRemove: true,
//	})
package sandbox
