// Package fs provides filesystem abstractions for testability and fault injection.
//
//   - [LocalFS]: production implementation backed by the os package
//   - [FaultyFS]: test wrapper that injects write/sync/close/rename failures
//
// [WriteAtomic] is the single write path for every durable file in the store:
// temp file, fsync, rename, directory fsync. Components never open a record or
// snapshot file for writing directly.
//
// The package intentionally has no context.Context parameters: local file
// operations are fast and not interruptible at the syscall level. Remote,
// cancellable I/O lives in the blobstore package.
package fs
