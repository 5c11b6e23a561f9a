// Package fs is the file access layer underneath the log and the catalog.
//
// Two interfaces are defined:
//
//   - [File]: an open file with read, write, sync and truncate
//   - [FileSystem]: open, remove, rename, stat and friends
//
// # Implementations
//
//   - [LocalFS]: the os package
//   - [FaultyFS]: wraps another FileSystem and injects write, sync,
//     truncate, rename and close failures for tests
//
// Production code uses fs.Default:
//
//	f, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
//
// Tests wrap it:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".cat", fs.Fault{FailAfterBytes: 0})
//
// [Lock] takes an advisory, process-wide exclusive lock on a path so two
// processes never open the same database at once.
//
// Operations take no context.Context: local file calls are short and cannot
// be interrupted at the syscall level.
package fs
