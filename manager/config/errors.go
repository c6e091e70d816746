package config

import "errors"

// ErrPrecondition marks a fatal startup validation failure: a missing
// template, an unusable instances root, or an unreachable container
// runtime. Callers must abort startup when they see it.
var ErrPrecondition = errors.New("startup precondition failed")
