package commonutils

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// CallerName names the function skip frames above it, as "pkg.Func (file:line)".
// skip=0 -> this function
// skip=1 -> caller of this function
// skip=2 -> caller's caller, and so on
// It is only meant for log fields; nothing may branch on its result.
func CallerName(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}

	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
		// Trim the import path, keep "pkg.Func".
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
	}
	return fmt.Sprintf("%s (%s:%d)", name, filepath.Base(file), line)
}
