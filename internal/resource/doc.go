// Package resource governs what background work may consume.
//
// A Controller hands out three kinds of budget:
//
//   - Memory: bytes buffered by a job, bounded by a weighted semaphore.
//   - Background jobs: slots for auto-defragment and backup uploads.
//   - IO: a token bucket that throttles backup and restore transfers.
//
// Example:
//
//	rc := resource.NewController(resource.Config{
//	    MaxBackgroundJobs:  1,
//	    IOLimitBytesPerSec: 32 << 20,
//	})
//
//	if !rc.TryAcquireBackground() {
//	    return // a job is already running
//	}
//	defer rc.ReleaseBackground()
//
//	w := resource.NewRateLimitedWriter(ctx, blob, rc)
//
// All methods are safe for concurrent use, and a nil *Controller imposes no
// limits.
package resource
