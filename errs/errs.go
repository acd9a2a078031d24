// Package errs declares the sentinel error kinds shared across the build
// engine, so that every component can wrap context onto them with
// golang.org/x/xerrors and callers can still errors.Is/xerrors.Is against
// the sentinel.
package errs

import "golang.org/x/xerrors"

// Sentinel errors, one per row of the error taxonomy. Components wrap these
// with xerrors.Errorf("...: %w", Err...) to attach context.
var (
	ErrBadInput             = xerrors.New("bad input")
	ErrUnresolvedDependency = xerrors.New("unresolved dependency")
	ErrCyclicDependencies   = xerrors.New("cyclic dependencies")
	ErrCommandFailed        = xerrors.New("command failed")
	ErrCorruptDb            = xerrors.New("corrupt database")
	ErrTornLog              = xerrors.New("torn log")
	ErrUnexpectedBuildState = xerrors.New("unexpected build state")
	ErrRemoteUnavailable    = xerrors.New("remote unavailable")
	ErrFilesystemError      = xerrors.New("filesystem error")
	ErrPredefinedUnresolved = xerrors.New("predefined target unresolved")
)

// ExitCode maps an error produced anywhere in the pipeline to the driver's
// process exit code, per the contract in spec §6.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case xerrors.Is(err, ErrUnexpectedBuildState):
		return 3
	case xerrors.Is(err, ErrUnresolvedDependency),
		xerrors.Is(err, ErrCyclicDependencies),
		xerrors.Is(err, ErrPredefinedUnresolved):
		return 2
	default:
		return 1
	}
}
