// Package sandbox runs untrusted source code in throwaway containers.
//
// It owns every step that touches the container runtime: the closed table of
// language profiles, the artifact writer that stores submitted code on the
// host, the image provisioner and the execution engine. The engine drives the
// docker or podman CLI through a CommandRunner, enforces a wall-clock budget
// per run and force-removes each container exactly once.
//
// Usage:
//
//	cfg, _ := sandbox.NewConfig(appConfig)
//	engine, provisioner := sandbox.NewRuntime(logger, cfg, nil)
//	if err := provisioner.EnsureImage(ctx, "python:3.12", 30*time.Second); err != nil {
//	    return err
//	}
//	c := engine.NewContainer(jobID, profile, "python:3.12", artifactPath)
//	outcome := engine.RunBuffered(ctx, c, 10*time.Second)
package sandbox
