// Package luavm backs the debug engine with a gopher-lua interpreter.
//
// gopher-lua exposes stack and local-variable introspection but no native
// line hook, so the per-line callback is realized at load time: the parsed
// chunk is instrumented with calls to a reserved hook global before every
// statement that starts a new line (see instrument.go). The hook global is a
// Go function living only in the debuggee's sandbox environment.
package luavm

import (
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/luadap/luadap/internal/adapter"
)

const (
	// hookGlobal is the sandbox name of the injected line-hook entry point.
	hookGlobal = "__luadap_line"

	// temporaryMarker is the local-variable name gopher-lua reports for
	// compiler-internal temporaries.
	temporaryMarker = "(*temporary)"
)

// VM implements adapter.Interpreter on top of a single lua.LState.
type VM struct {
	state *lua.LState
	hook  adapter.LineHook
}

func New() *VM {
	return &VM{state: lua.NewState()}
}

func (vm *VM) Close() {
	vm.state.Close()
}

func (vm *VM) SetLineHook(h adapter.LineHook) {
	vm.hook = h
}

func (vm *VM) TemporaryMarker() string {
	return temporaryMarker
}

// Frame reports the activation record at the given stack level. Level 0 is
// the running host function, level 1 the nearest interpreted frame.
func (vm *VM) Frame(level int) (adapter.Frame, bool) {
	dbg, ok := vm.state.GetStack(level)
	if !ok {
		return adapter.Frame{}, false
	}
	if _, err := vm.state.GetInfo("nSl", dbg, lua.LNil); err != nil {
		return adapter.Frame{}, false
	}

	name := dbg.Name
	if name == "" {
		if dbg.What == "main" {
			name = "main chunk"
		} else {
			name = "?"
		}
	}
	return adapter.Frame{Name: name, Source: dbg.Source, Line: dbg.CurrentLine}, true
}

// Local reports the 1-based idx-th local of the frame at the given level.
func (vm *VM) Local(level, idx int) (adapter.Variable, bool) {
	dbg, ok := vm.state.GetStack(level)
	if !ok {
		return adapter.Variable{}, false
	}
	name, value := vm.state.GetLocal(dbg, idx)
	if name == "" {
		return adapter.Variable{}, false
	}
	return adapter.Variable{
		Name:  name,
		Value: value.String(),
		Type:  value.Type().String(),
	}, true
}

// Load compiles the file at path into an invocable chunk running inside a
// fresh sandbox environment. The sandbox resolves unknown names through the
// interpreter's globals but owns the injected hook entry point and all binds.
func (vm *VM) Load(path string, binds map[string]adapter.NativeFunc) (adapter.Chunk, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := "@" + abs
	stmts, err := parse.Parse(f, name)
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(instrument(stmts), name)
	if err != nil {
		return nil, err
	}

	fn := vm.state.NewFunctionFromProto(proto)
	fn.Env = vm.newSandbox(binds)
	return &loadedChunk{vm: vm, fn: fn}, nil
}

func (vm *VM) newSandbox(binds map[string]adapter.NativeFunc) *lua.LTable {
	env := vm.state.NewTable()
	meta := vm.state.NewTable()
	vm.state.SetField(meta, "__index", vm.state.G.Global)
	vm.state.SetMetatable(env, meta)

	env.RawSetString(hookGlobal, vm.state.NewFunction(vm.lineHookEntry))
	for name, fn := range binds {
		fn := fn
		env.RawSetString(name, vm.state.NewFunction(func(l *lua.LState) int {
			top := l.GetTop()
			args := make([]string, 0, top)
			for i := 1; i <= top; i++ {
				args = append(args, l.Get(i).String())
			}
			fn(args)
			return 0
		}))
	}
	return env
}

// lineHookEntry is the Go target of the injected per-line calls. Stack level
// 1 is the interpreted frame that is about to execute the line.
func (vm *VM) lineHookEntry(l *lua.LState) int {
	if vm.hook != nil {
		vm.hook(1, int(l.CheckNumber(1)))
	}
	return 0
}

type loadedChunk struct {
	vm *VM
	fn *lua.LFunction
}

// Invoke runs the chunk with the given positional arguments and returns its
// first return value as an int (0 when the script returns nothing numeric).
// Script failures come back as errors from the protected call.
func (c *loadedChunk) Invoke(args []string) (int, error) {
	l := c.vm.state
	l.Push(c.fn)
	for _, a := range args {
		l.Push(lua.LString(a))
	}
	if err := l.PCall(len(args), 1, nil); err != nil {
		return 0, err
	}
	ret := l.Get(-1)
	l.Pop(1)
	if n, ok := ret.(lua.LNumber); ok {
		return int(n), nil
	}
	return 0, nil
}
