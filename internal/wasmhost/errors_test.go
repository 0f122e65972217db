package wasmhost

import (
	"strings"
	"testing"

	"github.com/BladeCKG/graph-node-go/internal/errs"
)

func TestMappingAbortedMessageFormat(t *testing.T) {
	err := MappingAborted("src/mapping.ts", 1, 1, "index out of range")
	want := "Mapping aborted at src/mapping.ts, line 1, column 1, with message:\nindex out of range"
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("got %q, want it to contain %q", err.Error(), want)
	}
	if err.Code != errs.CodeMappingAborted {
		t.Fatalf("got code %s, want %s", err.Code, errs.CodeMappingAborted)
	}
}

func TestHostExportErrorCode(t *testing.T) {
	err := HostExportError("bad pointer")
	if err.Code != errs.CodeHostExport {
		t.Fatalf("got code %s, want %s", err.Code, errs.CodeHostExport)
	}
}
