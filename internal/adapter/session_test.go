package adapter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-dap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luadap/luadap/internal/utils"
)

func launchRequest(seq int, program string) *dap.LaunchRequest {
	req := &dap.LaunchRequest{Request: newRequest(seq, "launch")}
	req.Arguments = utils.Must(json.Marshal(launchArguments{Program: program, Args: []string{}}))
	return req
}

func newRequest(seq int, command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
		Command:         command,
	}
}

func setBreakpointsRequest(seq int, path string, lines ...int) *dap.SetBreakpointsRequest {
	req := &dap.SetBreakpointsRequest{Request: newRequest(seq, "setBreakpoints")}
	req.Arguments.Source.Path = path
	for _, line := range lines {
		req.Arguments.Breakpoints = append(req.Arguments.Breakpoints, dap.SourceBreakpoint{Line: line})
	}
	return req
}

// runSession feeds the pre-framed requests through a fresh session and
// decodes everything the session wrote back.
func runSession(t *testing.T, interp *fakeInterp, requests []dap.Message) ([]dap.Message, error) {
	t.Helper()

	var in bytes.Buffer
	for _, m := range requests {
		require.NoError(t, dap.WriteProtocolMessage(&in, m))
	}

	var out bytes.Buffer
	session := NewSession(SessionOptions{Interpreter: interp, Logger: zerolog.Nop()})
	err := session.Run(&in, &out)

	reader := bufio.NewReader(&out)
	var msgs []dap.Message
	for {
		m, rerr := dap.ReadProtocolMessage(reader)
		if rerr != nil {
			break
		}
		msgs = append(msgs, m)
	}
	return msgs, err
}

// TestSessionFullDebugRun drives a whole editor conversation: handshake,
// breakpoint placement (with a duplicate re-submission), launch, a breakpoint
// hit with stack/scope/variable inspection, one step, then run to completion.
func TestSessionFullDebugRun(t *testing.T) {
	interp := &fakeInterp{
		script: func(f *fakeInterp) {
			f.stack = []fakeFrame{{
				frame: Frame{Name: "main chunk", Source: "@c:/work/t.lua", Line: 1},
				locals: []Variable{
					{Name: "x", Value: "1", Type: "number"},
					{Name: "(*temporary)", Value: "tmp", Type: "string"},
				},
			}}
			f.line(9)  // no breakpoint
			f.line(10) // breakpoint 1: pauses until continue/next
			f.line(11) // step from the previous pause lands here
			f.binds["print"]([]string{"hello", "42"})
			f.line(12)
		},
	}

	launch := launchRequest(4, "c:/work/t.lua")

	stackTrace := &dap.StackTraceRequest{Request: newRequest(7, "stackTrace")}
	scopes := &dap.ScopesRequest{Request: newRequest(8, "scopes")}
	scopes.Arguments.FrameId = 1
	variables := &dap.VariablesRequest{Request: newRequest(9, "variables")}
	variables.Arguments.VariablesReference = 1

	msgs, err := runSession(t, interp, []dap.Message{
		&dap.InitializeRequest{Request: newRequest(1, "initialize")},
		setBreakpointsRequest(2, "c:/work/t.lua", 10, 20),
		setBreakpointsRequest(3, "c:/work/t.lua", 10, 20),
		launch,
		&dap.ConfigurationDoneRequest{Request: newRequest(5, "configurationDone")},
		// served while paused at line 10:
		&dap.ThreadsRequest{Request: newRequest(6, "threads")},
		stackTrace,
		scopes,
		variables,
		&dap.NextRequest{Request: newRequest(10, "next")},
		// served while paused by the step at line 11:
		&dap.ContinueRequest{Request: newRequest(11, "continue")},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 17)

	// S1: initialize response, then the initialized event
	initResp, ok := msgs[0].(*dap.InitializeResponse)
	require.True(t, ok)
	assert.Equal(t, 1, initResp.RequestSeq)
	assert.Equal(t, "initialize", initResp.Command)
	assert.True(t, initResp.Success)
	assert.True(t, initResp.Body.SupportsConfigurationDoneRequest)

	_, ok = msgs[1].(*dap.InitializedEvent)
	require.True(t, ok)

	// S2: two verified breakpoints with normalized source paths
	bpResp, ok := msgs[2].(*dap.SetBreakpointsResponse)
	require.True(t, ok)
	require.Len(t, bpResp.Body.Breakpoints, 2)
	assert.Equal(t, 1, bpResp.Body.Breakpoints[0].Id)
	assert.Equal(t, 2, bpResp.Body.Breakpoints[1].Id)
	assert.True(t, bpResp.Body.Breakpoints[0].Verified)
	assert.True(t, bpResp.Body.Breakpoints[1].Verified)
	assert.Equal(t, `C:\work\t.lua`, bpResp.Body.Breakpoints[0].Source.Path)

	// S2: the duplicate submission keeps the ids but is unverified
	dupResp, ok := msgs[3].(*dap.SetBreakpointsResponse)
	require.True(t, ok)
	require.Len(t, dupResp.Body.Breakpoints, 2)
	assert.Equal(t, 1, dupResp.Body.Breakpoints[0].Id)
	assert.Equal(t, 2, dupResp.Body.Breakpoints[1].Id)
	assert.False(t, dupResp.Body.Breakpoints[0].Verified)
	assert.False(t, dupResp.Body.Breakpoints[1].Verified)

	_, ok = msgs[4].(*dap.LaunchResponse)
	require.True(t, ok)
	_, ok = msgs[5].(*dap.ConfigurationDoneResponse)
	require.True(t, ok)

	// S3: the breakpoint hit
	stopped, ok := msgs[6].(*dap.StoppedEvent)
	require.True(t, ok)
	assert.Equal(t, "breakpoint", stopped.Body.Reason)
	assert.Equal(t, []int{1}, stopped.Body.HitBreakpointIds)

	threadsResp, ok := msgs[7].(*dap.ThreadsResponse)
	require.True(t, ok)
	require.Len(t, threadsResp.Body.Threads, 1)
	assert.Equal(t, 0, threadsResp.Body.Threads[0].Id)
	assert.Equal(t, "main", threadsResp.Body.Threads[0].Name)

	stResp, ok := msgs[8].(*dap.StackTraceResponse)
	require.True(t, ok)
	require.NotEmpty(t, stResp.Body.StackFrames)
	top := stResp.Body.StackFrames[0]
	assert.Equal(t, 1, top.Id)
	assert.Equal(t, 10, top.Line)
	require.NotNil(t, top.Source)
	assert.Equal(t, "c:/work/t.lua", top.Source.Path)

	// S4: a single Locals scope, variables without temporaries
	scResp, ok := msgs[9].(*dap.ScopesResponse)
	require.True(t, ok)
	require.Len(t, scResp.Body.Scopes, 1)
	assert.Equal(t, "Locals", scResp.Body.Scopes[0].Name)
	assert.GreaterOrEqual(t, scResp.Body.Scopes[0].VariablesReference, 1)

	varResp, ok := msgs[10].(*dap.VariablesResponse)
	require.True(t, ok)
	require.Len(t, varResp.Body.Variables, 1)
	assert.Equal(t, "x", varResp.Body.Variables[0].Name)
	assert.Equal(t, "1", varResp.Body.Variables[0].Value)
	assert.Equal(t, "number", varResp.Body.Variables[0].Type)

	// S5: next response, then the step stop on the following line
	_, ok = msgs[11].(*dap.NextResponse)
	require.True(t, ok)
	stepNote, ok := msgs[12].(*dap.OutputEvent)
	require.True(t, ok)
	assert.Equal(t, "console", stepNote.Body.Category)
	stepStop, ok := msgs[13].(*dap.StoppedEvent)
	require.True(t, ok)
	assert.Equal(t, "step", stepStop.Body.Reason)

	_, ok = msgs[14].(*dap.ContinueResponse)
	require.True(t, ok)

	// the rebound print surfaces as a stdout output event
	printed, ok := msgs[15].(*dap.OutputEvent)
	require.True(t, ok)
	assert.Equal(t, "stdout", printed.Body.Category)
	assert.Equal(t, "\"hello\", \"42\"\n", printed.Body.Output)

	// S6: exited is the last event
	exited, ok := msgs[16].(*dap.ExitedEvent)
	require.True(t, ok)
	assert.Equal(t, 0, exited.Body.ExitCode)

	// every response echoes the seq of the request that produced it
	assert.Equal(t, 2, bpResp.RequestSeq)
	assert.Equal(t, 3, dupResp.RequestSeq)
	assert.Equal(t, 6, threadsResp.RequestSeq)
	assert.Equal(t, 7, stResp.RequestSeq)
	assert.Equal(t, 8, scResp.RequestSeq)
	assert.Equal(t, 9, varResp.RequestSeq)

	// outgoing seq values are strictly increasing
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].GetSeq(), msgs[i-1].GetSeq())
	}
}

// The hook never pauses on frames that do not belong to a real script file,
// even if a breakpoint matches the line.
func TestHookIgnoresHostFrames(t *testing.T) {
	interp := &fakeInterp{
		stack: []fakeFrame{{
			frame: Frame{Name: "helper", Source: "=[host]", Line: 10},
		}},
	}
	session := NewSession(SessionOptions{Interpreter: interp, Logger: zerolog.Nop()})
	session.breakpoints.Add("=[host]", 10)

	// pausing here would touch the (nil) connection; not pausing is the point
	session.onLine(1, 10)
	assert.Nil(t, session.snapshot)

	session.stepPending = true
	session.onLine(1, 10)
	assert.True(t, session.stepPending, "a step may not complete inside host frames")
}

func TestSessionPeerClosed(t *testing.T) {
	msgs, err := runSession(t, &fakeInterp{}, nil)
	assert.ErrorIs(t, err, ErrPeerClosed)
	assert.Empty(t, msgs)
}

func TestSessionUnsupportedCommand(t *testing.T) {
	msgs, err := runSession(t, &fakeInterp{}, []dap.Message{
		&dap.InitializeRequest{Request: newRequest(1, "initialize")},
		&dap.DisconnectRequest{Request: newRequest(2, "disconnect")},
	})
	assert.ErrorIs(t, err, ErrProtocol)

	require.NotEmpty(t, msgs)
	last, ok := msgs[len(msgs)-1].(*dap.OutputEvent)
	require.True(t, ok)
	assert.Equal(t, "console", last.Body.Category)
}

// Stack views requested outside a pause window answer with empty collections
// rather than errors.
func TestSessionStackViewsOutsidePause(t *testing.T) {
	stackTrace := &dap.StackTraceRequest{Request: newRequest(2, "stackTrace")}
	scopes := &dap.ScopesRequest{Request: newRequest(3, "scopes")}
	scopes.Arguments.FrameId = 1
	variables := &dap.VariablesRequest{Request: newRequest(4, "variables")}
	variables.Arguments.VariablesReference = 1

	msgs, err := runSession(t, &fakeInterp{}, []dap.Message{
		&dap.InitializeRequest{Request: newRequest(1, "initialize")},
		stackTrace,
		scopes,
		variables,
	})
	assert.ErrorIs(t, err, ErrPeerClosed)
	require.Len(t, msgs, 5)

	stResp, ok := msgs[2].(*dap.StackTraceResponse)
	require.True(t, ok)
	assert.True(t, stResp.Success)
	assert.Empty(t, stResp.Body.StackFrames)

	scResp, ok := msgs[3].(*dap.ScopesResponse)
	require.True(t, ok)
	assert.Empty(t, scResp.Body.Scopes)

	varResp, ok := msgs[4].(*dap.VariablesResponse)
	require.True(t, ok)
	assert.Empty(t, varResp.Body.Variables)
}

func TestSessionDebuggeeLoadError(t *testing.T) {
	interp := &fakeInterp{loadErr: errors.New("no such file: t.lua")}

	msgs, err := runSession(t, interp, []dap.Message{
		&dap.InitializeRequest{Request: newRequest(1, "initialize")},
		launchRequest(2, "t.lua"),
		&dap.ConfigurationDoneRequest{Request: newRequest(3, "configurationDone")},
	})
	// the session keeps pumping after the failure until the editor goes away
	assert.ErrorIs(t, err, ErrPeerClosed)

	require.Len(t, msgs, 6)
	output, ok := msgs[4].(*dap.OutputEvent)
	require.True(t, ok)
	assert.Equal(t, "console", output.Body.Category)
	assert.Contains(t, output.Body.Output, "no such file")

	exited, ok := msgs[5].(*dap.ExitedEvent)
	require.True(t, ok)
	assert.Equal(t, 1, exited.Body.ExitCode)
}

func TestSessionDebuggeeRuntimeError(t *testing.T) {
	interp := &fakeInterp{runErr: errors.New("attempt to index a nil value")}

	msgs, err := runSession(t, interp, []dap.Message{
		&dap.InitializeRequest{Request: newRequest(1, "initialize")},
		launchRequest(2, "t.lua"),
		&dap.ConfigurationDoneRequest{Request: newRequest(3, "configurationDone")},
	})
	assert.ErrorIs(t, err, ErrPeerClosed)

	require.Len(t, msgs, 6)
	output, ok := msgs[4].(*dap.OutputEvent)
	require.True(t, ok)
	assert.Equal(t, "console", output.Body.Category)
	assert.Contains(t, output.Body.Output, "nil value")

	exited, ok := msgs[5].(*dap.ExitedEvent)
	require.True(t, ok)
	assert.Equal(t, 1, exited.Body.ExitCode)
}

func TestSessionLaunchWithoutProgram(t *testing.T) {
	launch := &dap.LaunchRequest{Request: newRequest(1, "launch")}
	launch.Arguments = json.RawMessage(`{}`)

	_, err := runSession(t, &fakeInterp{}, []dap.Message{launch})
	assert.ErrorIs(t, err, ErrProtocol)
}

// A continue at depth 1 ends the session pump and thus the process loop.
func TestSessionContinueAtTopLevel(t *testing.T) {
	msgs, err := runSession(t, &fakeInterp{}, []dap.Message{
		&dap.InitializeRequest{Request: newRequest(1, "initialize")},
		&dap.ContinueRequest{Request: newRequest(2, "continue")},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	_, ok := msgs[2].(*dap.ContinueResponse)
	assert.True(t, ok)
}
