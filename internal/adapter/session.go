package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/go-dap"
	"github.com/rs/zerolog"

	"github.com/luadap/luadap/internal/in_mem_ds"
)

const defaultMaxStackDepth = 128

// SessionOptions configures a Session. Interpreter is required; Trace may be
// nil to disable the protocol trace.
type SessionOptions struct {
	Interpreter   Interpreter
	Trace         *TraceLog
	Logger        zerolog.Logger
	MaxStackDepth int
}

// Session drives one debug session: it owns the sequence counters, the
// breakpoint registry, the run/pause stack, the deferred-action queue and the
// current stack snapshot, and dispatches DAP requests to their handlers.
//
// The whole session runs on the calling goroutine. The debuggee and the
// protocol loop alternate by plain call/return through the interpreter's line
// hook: a pause re-enters the pump from inside the debuggee's call stack, and
// resuming is just a return from the hook.
type Session struct {
	conn   *wireConn
	trace  *TraceLog
	log    zerolog.Logger
	interp Interpreter

	nextSeq     int
	breakpoints *BreakpointRegistry
	run         *runStack
	pending     *in_mem_ds.ArrayQueue[func() error]
	snapshot    *StackSnapshot
	stepPending bool

	// pumpErr records a failure inside a nested pump; the hook cannot unwind
	// the debuggee, so the error is surfaced once the debuggee returns.
	pumpErr error

	program       string
	programArgs   []string
	maxStackDepth int
}

func NewSession(opts SessionOptions) *Session {
	maxDepth := opts.MaxStackDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxStackDepth
	}
	return &Session{
		trace:         opts.Trace,
		log:           opts.Logger,
		interp:        opts.Interpreter,
		nextSeq:       1,
		breakpoints:   NewBreakpointRegistry(),
		run:           newRunStack(),
		pending:       in_mem_ds.NewArrayQueue[func() error](),
		maxStackDepth: maxDepth,
	}
}

// Run serves the session over the given streams until the debuggee run
// completes, the editor disconnects (ErrPeerClosed) or a protocol error
// occurs. A protocol error is announced to the editor best-effort before it
// is returned.
func (s *Session) Run(r io.Reader, w io.Writer) error {
	s.conn = newWireConn(r, w, s.trace)

	err := s.pump()
	if err != nil && !errors.Is(err, ErrPeerClosed) {
		s.log.Error().Err(err).Msg("session failed")
		_ = s.emitOutput("console", fmt.Sprintf("%q\n", err.Error()))
		return err
	}
	return err
}

// pump serves protocol messages for the current activation: it drains
// deferred actions, then blocks on one read and dispatches. It exits when the
// top run frame is stopped and pops that frame; the matching push belongs to
// the caller (the constructor seeds the top-level frame, pauses push theirs).
func (s *Session) pump() error {
	defer s.run.pop()

	for s.run.running() {
		if err := s.drainPending(); err != nil {
			return err
		}
		// a drained action may have ended the session (debuggee completion)
		if !s.run.running() {
			break
		}

		msg, err := s.conn.read()
		if err != nil {
			return err
		}
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) drainPending() error {
	for {
		action, ok := s.pending.Dequeue()
		if !ok {
			return nil
		}
		if err := action(); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(msg dap.Message) error {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		return s.onInitialize(req)
	case *dap.LaunchRequest:
		return s.onLaunch(req)
	case *dap.SetBreakpointsRequest:
		return s.onSetBreakpoints(req)
	case *dap.ConfigurationDoneRequest:
		return s.onConfigurationDone(req)
	case *dap.ThreadsRequest:
		return s.onThreads(req)
	case *dap.StackTraceRequest:
		return s.onStackTrace(req)
	case *dap.ScopesRequest:
		return s.onScopes(req)
	case *dap.VariablesRequest:
		return s.onVariables(req)
	case *dap.ContinueRequest:
		return s.onContinue(req)
	case *dap.NextRequest:
		return s.onNext(req)
	default:
		return fmt.Errorf("%w: unsupported message %T", ErrProtocol, msg)
	}
}

func (s *Session) onInitialize(req *dap.InitializeRequest) error {
	s.log.Debug().Msg("initialize")
	resp := &dap.InitializeResponse{
		Response: s.newResponse(req.Seq, req.Command),
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
		},
	}
	if err := s.conn.write(resp); err != nil {
		return err
	}
	// the initialized event must follow the response
	s.pending.Enqueue(s.emitInitialized)
	return nil
}

type launchArguments struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
}

func (s *Session) onLaunch(req *dap.LaunchRequest) error {
	var args launchArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return fmt.Errorf("%w: launch arguments: %v", ErrProtocol, err)
	}
	if args.Program == "" {
		return fmt.Errorf("%w: missing program in launch arguments", ErrProtocol)
	}
	s.log.Debug().Str("program", args.Program).Msg("launch")

	s.program = args.Program
	s.programArgs = args.Args
	return s.conn.write(&dap.LaunchResponse{Response: s.newResponse(req.Seq, req.Command)})
}

func (s *Session) onSetBreakpoints(req *dap.SetBreakpointsRequest) error {
	path := req.Arguments.Source.Path
	if path == "" {
		return fmt.Errorf("%w: setBreakpoints: source.path is not set", ErrProtocol)
	}

	body := dap.SetBreakpointsResponseBody{
		Breakpoints: make([]dap.Breakpoint, 0, len(req.Arguments.Breakpoints)),
	}
	for _, sb := range req.Arguments.Breakpoints {
		bp := s.breakpoints.Add(path, sb.Line)
		body.Breakpoints = append(body.Breakpoints, dap.Breakpoint{
			Id:       bp.ID,
			Verified: bp.Verified,
			Line:     bp.Line,
			Source:   &dap.Source{Name: baseName(bp.Source), Path: bp.Source},
		})
	}
	return s.conn.write(&dap.SetBreakpointsResponse{
		Response: s.newResponse(req.Seq, req.Command),
		Body:     body,
	})
}

func (s *Session) onConfigurationDone(req *dap.ConfigurationDoneRequest) error {
	if err := s.conn.write(&dap.ConfigurationDoneResponse{Response: s.newResponse(req.Seq, req.Command)}); err != nil {
		return err
	}
	// the debuggee starts only after the response went out
	s.pending.Enqueue(s.launchDebuggee)
	return nil
}

func (s *Session) onThreads(req *dap.ThreadsRequest) error {
	return s.conn.write(&dap.ThreadsResponse{
		Response: s.newResponse(req.Seq, req.Command),
		Body: dap.ThreadsResponseBody{
			Threads: []dap.Thread{{Id: 0, Name: "main"}},
		},
	})
}

func (s *Session) onStackTrace(req *dap.StackTraceRequest) error {
	body := dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{}}
	if s.snapshot != nil {
		body.StackFrames = s.snapshot.Frames
		body.TotalFrames = len(s.snapshot.Frames)
	}
	return s.conn.write(&dap.StackTraceResponse{
		Response: s.newResponse(req.Seq, req.Command),
		Body:     body,
	})
}

func (s *Session) onScopes(req *dap.ScopesRequest) error {
	body := dap.ScopesResponseBody{Scopes: []dap.Scope{}}
	if s.snapshot != nil {
		if scopes, ok := s.snapshot.Scopes[req.Arguments.FrameId]; ok {
			body.Scopes = scopes
		}
	}
	return s.conn.write(&dap.ScopesResponse{
		Response: s.newResponse(req.Seq, req.Command),
		Body:     body,
	})
}

func (s *Session) onVariables(req *dap.VariablesRequest) error {
	body := dap.VariablesResponseBody{Variables: []dap.Variable{}}
	if s.snapshot != nil {
		ref := req.Arguments.VariablesReference
		if ref >= 1 && ref <= len(s.snapshot.Variables) {
			body.Variables = s.snapshot.Variables[ref-1]
		}
	}
	return s.conn.write(&dap.VariablesResponse{
		Response: s.newResponse(req.Seq, req.Command),
		Body:     body,
	})
}

func (s *Session) onContinue(req *dap.ContinueRequest) error {
	s.run.stopTop()
	return s.conn.write(&dap.ContinueResponse{Response: s.newResponse(req.Seq, req.Command)})
}

func (s *Session) onNext(req *dap.NextRequest) error {
	s.stepPending = true
	s.run.stopTop()
	return s.conn.write(&dap.NextResponse{Response: s.newResponse(req.Seq, req.Command)})
}

func (s *Session) next() int {
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

func (s *Session) newResponse(requestSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.next(), Type: "response"},
		Command:         command,
		RequestSeq:      requestSeq,
		Success:         true,
	}
}

func (s *Session) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.next(), Type: "event"},
		Event:           event,
	}
}

func (s *Session) emitInitialized() error {
	return s.conn.write(&dap.InitializedEvent{Event: s.newEvent("initialized")})
}

func (s *Session) emitStopped(reason string, hitIDs []int) error {
	ev := &dap.StoppedEvent{
		Event: s.newEvent("stopped"),
		Body: dap.StoppedEventBody{
			Reason:            reason,
			ThreadId:          0,
			AllThreadsStopped: true,
			HitBreakpointIds:  hitIDs,
		},
	}
	return s.conn.write(ev)
}

func (s *Session) emitOutput(category, output string) error {
	return s.conn.write(&dap.OutputEvent{
		Event: s.newEvent("output"),
		Body:  dap.OutputEventBody{Category: category, Output: output},
	})
}

func (s *Session) emitExited(code int) error {
	return s.conn.write(&dap.ExitedEvent{
		Event: s.newEvent("exited"),
		Body:  dap.ExitedEventBody{ExitCode: code},
	})
}
