package adapter

import (
	"fmt"
	"strconv"
	"strings"
)

// launchDebuggee loads the configured program into a sandboxed environment,
// installs the line hook and runs it to completion. Load and runtime
// failures are reported to the editor; neither tears the session down, the
// pump keeps serving until the editor disconnects.
func (s *Session) launchDebuggee() error {
	s.log.Info().Str("program", s.program).Strs("args", s.programArgs).Msg("launching debuggee")

	chunk, err := s.interp.Load(s.program, map[string]NativeFunc{
		"print": s.printFromDebuggee,
	})
	if err != nil {
		if werr := s.emitOutput("console", fmt.Sprintf("%q\n", err.Error())); werr != nil {
			return werr
		}
		return s.emitExited(1)
	}

	s.interp.SetLineHook(s.onLine)
	defer s.interp.SetLineHook(nil)

	result, err := chunk.Invoke(s.programArgs)
	if s.pumpErr != nil {
		return s.pumpErr
	}
	if err != nil {
		if werr := s.emitOutput("console", fmt.Sprintf("%q\n", err.Error())); werr != nil {
			return werr
		}
		return s.emitExited(1)
	}

	if err := s.emitExited(result); err != nil {
		return err
	}
	s.run.stopBottom()
	return nil
}

// printFromDebuggee backs the rebound print: each call becomes one stdout
// output event carrying the comma-separated, quoted arguments.
func (s *Session) printFromDebuggee(args []string) {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = strconv.Quote(a)
	}
	if err := s.emitOutput("stdout", strings.Join(quoted, ", ")+"\n"); err != nil {
		s.pumpErr = err
	}
}
