package kv

import "errors"

// ErrNotFound is returned by Get when no record satisfies the key and
// the caller has not opted into tolerating absence some other way.
var ErrNotFound = errors.New("kv: not found")

// ErrUnknownCollection is returned when a ref has no registered Mode
// and is not the meta collection.
var ErrUnknownCollection = errors.New("kv: unknown collection")
