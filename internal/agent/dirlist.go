package agent

import (
	"fmt"

	"github.com/karrick/godirwalk"

	"github.com/buildpip/pipsandbox/internal/classify"
)

// HandleEnumerateReal drives a directory enumeration for a caller that has a real,
// already-resolved filesystem directory rather than a syscall-supplied name
// list (for example a test harness exercising the classifier against an
// on-disk fixture tree). It
// lists the directory with godirwalk — which avoids the extra lstat per
// entry that os.ReadDir performs — and otherwise defers to HandleEnumerate.
func (a *Agent) HandleEnumerateReal(call Call, realDir string) ([]classify.Result, error) {
	names, err := godirwalk.ReadDirnames(realDir, nil)
	if err != nil {
		return nil, fmt.Errorf("list directory %q: %w", realDir, err)
	}
	return a.HandleEnumerate(call, names)
}
