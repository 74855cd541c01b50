// Package nvmedrv is a client library for user-space NVMe drivers.
//
// A Driver wraps a native Engine. After InitEnv, Discover enumerates
// controllers and hands attached ones to a ProbeHandler. Commands are issued
// through a Namespace on a QueuePair and complete asynchronously: every
// accepted command has its Callback run exactly once, from a later
// QueuePair.ProcessCompletions call on the submitting goroutine.
package nvmedrv
