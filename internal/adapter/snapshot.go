package adapter

import (
	"strings"

	"github.com/google/go-dap"
)

// StackSnapshot is the editor-facing view of the paused call stack. It is
// rebuilt on every pause and discarded on resume; stackTrace/scopes/variables
// requests outside that window see empty collections.
type StackSnapshot struct {
	Frames    []dap.StackFrame
	Scopes    map[int][]dap.Scope
	Variables [][]dap.Variable
}

// buildSnapshot walks interpreter frames outward from startLevel and
// materializes frames, scopes and variables. Frame ids are the interpreter
// stack levels at capture time. Frames whose origin is not a real file keep
// their slot but expose no source. Compiler temporaries are hidden in the
// innermost frame only, and types are captured there only.
func buildSnapshot(interp Interpreter, startLevel, maxDepth int) *StackSnapshot {
	snap := &StackSnapshot{
		Frames: []dap.StackFrame{},
		Scopes: make(map[int][]dap.Scope),
	}
	temp := interp.TemporaryMarker()

	for level := startLevel; level < startLevel+maxDepth; level++ {
		fr, ok := interp.Frame(level)
		if !ok {
			break
		}

		frame := dap.StackFrame{Id: level, Name: fr.Name, Line: fr.Line, Column: 1}
		if path, ok := scriptPath(fr.Source); ok {
			frame.Source = &dap.Source{Name: baseName(path), Path: path}
		}

		innermost := level == startLevel
		vars := []dap.Variable{}
		for idx := 1; ; idx++ {
			v, ok := interp.Local(level, idx)
			if !ok {
				break
			}
			if innermost && v.Name == temp {
				continue
			}
			dv := dap.Variable{Name: v.Name, Value: v.Value}
			if innermost {
				dv.Type = v.Type
			}
			vars = append(vars, dv)
		}

		snap.Variables = append(snap.Variables, vars)
		// upvalue and global scopes are reserved for a later release
		snap.Scopes[level] = []dap.Scope{
			{Name: "Locals", PresentationHint: "locals", VariablesReference: len(snap.Variables)},
		}
		snap.Frames = append(snap.Frames, frame)
	}
	return snap
}

// scriptPath strips the '@' the interpreter prepends to chunks loaded from
// real files. Origins without it (host functions, string chunks) have no
// editor-facing source.
func scriptPath(source string) (string, bool) {
	if strings.HasPrefix(source, "@") {
		return source[1:], true
	}
	return "", false
}

// baseName is filepath.Base for paths that may use either separator.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
