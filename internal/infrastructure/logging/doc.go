// Package logging builds the zap loggers used across the IPC core.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// Every subsystem takes a *zap.Logger and names its own child, so a kernel
// log line reads as "ipcd.kernel.task" with the task ID attached:
//
//	logger, err := logging.New(logging.Config{Level: "debug"})
//	k := ipc.NewKernel(limits, logger.Named("kernel"), metrics)
package logging
