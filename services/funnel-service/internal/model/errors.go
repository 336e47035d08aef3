package model

import "errors"

// ErrNotFound is returned by stores when a keyed lookup has no row.
var ErrNotFound = errors.New("not found")
