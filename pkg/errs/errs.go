// Package errs defines the structured error taxonomy shared by every
// subsystem: CAS, metadata store, resolver, conversion pipeline, hook
// executor, and transaction engine.
//
// Each error kind carries the context a caller needs to act on it
// (offending package names, file paths, constraints, signer identity)
// rather than just a message, while still satisfying the standard error
// interface so it composes with fmt.Errorf("...: %w", err) the way the
// rest of the codebase wraps errors.
package errs

import "fmt"

// Kind identifies one of the taxonomy rows from the error handling design.
type Kind string

const (
	KindIO                Kind = "io_error"
	KindDatabase          Kind = "database_error"
	KindParse             Kind = "parse_error"
	KindHashMismatch      Kind = "hash_mismatch"
	KindSignatureInvalid  Kind = "signature_invalid"
	KindFileConflict      Kind = "file_conflict"
	KindResolverConflict  Kind = "resolver_conflict"
	KindMissingContent    Kind = "missing_content"
	KindHookFailure       Kind = "hook_failure"
	KindCancelled         Kind = "cancelled"
)

// IOError wraps a filesystem or stream failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("io error during %s on %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("io error during %s: %v", e.Op, e.Err)
}
func (e *IOError) Unwrap() error { return e.Err }
func (e *IOError) Kind() Kind    { return KindIO }

// DatabaseError wraps an underlying metadata-store failure.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string { return fmt.Sprintf("database error during %s: %v", e.Op, e.Err) }
func (e *DatabaseError) Unwrap() error { return e.Err }
func (e *DatabaseError) Kind() Kind    { return KindDatabase }

// ParseError signals a malformed package or manifest.
type ParseError struct {
	Format string
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error in %s package: %s: %v", e.Format, e.Detail, e.Err)
	}
	return fmt.Sprintf("parse error in %s package: %s", e.Format, e.Detail)
}
func (e *ParseError) Unwrap() error { return e.Err }
func (e *ParseError) Kind() Kind    { return KindParse }

// HashMismatch signals that CAS content does not match its expected digest.
type HashMismatch struct {
	Expected string
	Actual   string
}

func (e *HashMismatch) Error() string {
	return fmt.Sprintf("hash mismatch: expected %s, got %s", e.Expected, e.Actual)
}
func (e *HashMismatch) Kind() Kind { return KindHashMismatch }

// SignatureInvalid signals manifest signature verification failure.
type SignatureInvalid struct {
	KeyID  string
	Signer string
	Reason string
}

func (e *SignatureInvalid) Error() string {
	return fmt.Sprintf("signature invalid (key %s, signer %s): %s", e.KeyID, e.Signer, e.Reason)
}
func (e *SignatureInvalid) Kind() Kind { return KindSignatureInvalid }

// FileConflict signals that a target path belongs to another trove, or
// is declared twice within one incoming package.
type FileConflict struct {
	Path          string
	OwningTrove   string
	IncomingTrove string
	Reason        string
}

func (e *FileConflict) Error() string {
	return fmt.Sprintf("file conflict at %s: %s (owned by %s, incoming from %s)",
		e.Path, e.Reason, e.OwningTrove, e.IncomingTrove)
}
func (e *FileConflict) Kind() Kind { return KindFileConflict }

// ResolverConflict wraps one of the structured resolver.Conflict values.
// Defined here (rather than depending on pkg/resolver) so every package
// can construct and recognize it without an import cycle; pkg/resolver
// implements the Conflict interface this type carries.
type ResolverConflict struct {
	Conflict fmt.Stringer
}

func (e *ResolverConflict) Error() string { return e.Conflict.String() }
func (e *ResolverConflict) Kind() Kind    { return KindResolverConflict }

// MissingContent signals a required CAS object that is not present
// locally and could not be fetched.
type MissingContent struct {
	Hash string
}

func (e *MissingContent) Error() string { return fmt.Sprintf("missing content: %s", e.Hash) }
func (e *MissingContent) Kind() Kind    { return KindMissingContent }

// HookFailure wraps a pre- or post-hook execution error.
type HookFailure struct {
	Kind_ string // hook kind, e.g. "user", "systemd"
	Phase string // "pre" or "post"
	Name  string
	Err   error
}

func (e *HookFailure) Error() string {
	return fmt.Sprintf("%s-hook failure (%s %q): %v", e.Phase, e.Kind_, e.Name, e.Err)
}
func (e *HookFailure) Unwrap() error { return e.Err }
func (e *HookFailure) Kind() Kind    { return KindHookFailure }

// Cancelled signals that an operation was aborted via its cancellation
// token or context.
type Cancelled struct {
	Op string
}

func (e *Cancelled) Error() string { return fmt.Sprintf("cancelled: %s", e.Op) }
func (e *Cancelled) Kind() Kind    { return KindCancelled }
