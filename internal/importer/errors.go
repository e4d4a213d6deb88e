package importer

import "errors"

// errQueueFull is returned when the worker pool's job queue is saturated;
// the upload handler surfaces this as a 503 so the caller can retry later
// rather than silently dropping the archive.
var errQueueFull = errors.New("importer: job queue is full")
