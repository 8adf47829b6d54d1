package adapter

import "fmt"

// onLine is the per-line callback installed for the debuggee run. It decides
// pause vs. continue; on a pause it re-enters the message pump from inside
// the debuggee's call stack, and returning from it resumes the debuggee
// exactly where it stopped. Beyond the suspension itself it must not touch
// the debuggee's observable state.
func (s *Session) onLine(level, line int) {
	if s.pumpErr != nil {
		// the editor is gone, let the debuggee run out
		return
	}

	fr, ok := s.interp.Frame(level)
	if !ok {
		return
	}
	src, ok := scriptPath(fr.Source)
	if !ok {
		// host or generated code, the debugger never pauses on itself
		return
	}

	if s.stepPending {
		s.stepPending = false
		if err := s.emitOutput("console", fmt.Sprintf("step %s:%d\n", src, line)); err != nil {
			s.pumpErr = err
			return
		}
		s.pause(level, "step", nil)
		return
	}

	bp, ok := s.breakpoints.Match(src, line)
	if !ok {
		return
	}
	s.pause(level, "breakpoint", []int{bp.ID})
}

// pause captures a snapshot, announces the stop and pumps messages until the
// editor resumes execution.
func (s *Session) pause(level int, reason string, hitIDs []int) {
	s.snapshot = buildSnapshot(s.interp, level, s.maxStackDepth)
	s.log.Debug().Str("reason", reason).Int("depth", s.run.depth()).Msg("paused")

	if err := s.emitStopped(reason, hitIDs); err != nil {
		s.pumpErr = err
		s.snapshot = nil
		return
	}

	s.run.push()
	if err := s.pump(); err != nil {
		s.pumpErr = err
	}
	s.snapshot = nil
}
