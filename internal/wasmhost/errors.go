package wasmhost

import (
	"fmt"

	"github.com/BladeCKG/graph-node-go/internal/errs"
)

// HostExportError wraps a host-function decode/encode failure. host.go
// panics with it from inside a wazero host function; wazero recovers that
// panic at the module boundary and surfaces it as the error returned from
// the exported call, which is how "fails with HostExportError rather than
// panicking" (spec.md §4.D) reads from Session.Invoke's caller: nothing
// above this package ever sees a Go panic, only an *errs.Error.
func HostExportError(message string) *errs.Error {
	return errs.New(errs.CodeHostExport, message)
}

// MappingAborted builds the error abort() produces. The message embeds
// all four guest-supplied fields verbatim (spec.md §4.D, §8 scenario S7).
func MappingAborted(file string, line, column int32, message string) *errs.Error {
	return errs.New(errs.CodeMappingAborted,
		fmt.Sprintf("Mapping aborted at %s, line %d, column %d, with message:\n%s", file, line, column, message))
}
