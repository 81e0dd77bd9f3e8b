// Package attr implements the per-connection attribute store.
//
// Attributes are addressed by typed keys. A key created with NewOnceKey can be
// written only once; later writes fail with ErrAlreadySet instead of silently
// replacing a value another component may already rely on.
package attr
