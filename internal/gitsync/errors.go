package gitsync

import "errors"

// ErrBusy is returned when another synchronization run holds the lock.
// Runs never queue: the caller decides whether to retry.
var ErrBusy = errors.New("sync already in progress")
