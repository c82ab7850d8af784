// Package scheduler drives the cooperative round-robin loop described for
// spec.md's section 4.12: pick a ready process, run it through its
// dispatcher until a syscall or an error, run the syscall to completion (or
// to a blocked/sleeping state), and repeat until a full pass makes no
// progress. Grounded on granary/os/schedule.cc's Schedule function for the
// for-made-progress outer loop and PushProcess32-equivalent per-process
// binding, and on the teacher's server.go accept loop for the general
// "loop calling into a handler, track whether anything happened" shape.
package scheduler

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/codecache"
	"github.com/xyproto/grr32/internal/dispatch"
	"github.com/xyproto/grr32/internal/process"
)

// SyscallHandler services one trapped DECREE syscall and reports the
// process's resulting execution status. internal/decree implements this;
// scheduler only depends on the interface so the two packages don't import
// each other.
type SyscallHandler interface {
	HandleSyscall(proc *process.Process) (process.ExecStatus, error)
}

// Ticker lets a SyscallHandler advance a blocked process's delay counter
// once per scheduler pass (decree_timeval-based fdwait), implemented
// optionally since not every handler has blocking syscalls to progress.
type Ticker interface {
	Tick(proc *process.Process) process.ExecStatus
}

type entry struct {
	proc          *process.Process
	dispatcher    *dispatch.Dispatcher
	syscallBudget int
}

// Scheduler owns a set of processes sharing one handler and runs them to
// quiescence. Not safe for concurrent use: only Run's own goroutine ever
// touches process or dispatcher state; the signal-reading goroutine only
// ever touches interruptState, which is its own mutex-guarded type.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	handler SyscallHandler

	interrupt interruptState
	current   *process.Process

	sigCh chan os.Signal
}

// New creates a Scheduler and starts the background goroutine that turns
// caught OS signals into interruptState events.
func New(handler SyscallHandler) *Scheduler {
	s := &Scheduler{
		handler: handler,
		sigCh:   make(chan os.Signal, 8),
	}
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGALRM, syscall.SIGPIPE, syscall.SIGUSR1)
	go s.signalLoop()
	return s
}

func isNonMaskable(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}

func (s *Scheduler) signalLoop() {
	for sig := range s.sigCh {
		s.interrupt.Raise(sig)
	}
}

// Add registers proc to be scheduled, backed by cache's code cache, with a
// fresh per-process syscall budget. opts is optional and configures the
// dispatcher's patching/tracing/inline-cache fast paths (see
// dispatch.Options); omitting it runs with everything enabled.
func (s *Scheduler) Add(proc *process.Process, cache *codecache.Cache, opts ...dispatch.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		proc:          proc,
		dispatcher:    dispatch.New(proc, cache, opts...),
		syscallBudget: abi.MaxSyscallsPerRun,
	})
}

// Done reports whether every scheduled process has reached a terminal
// status, letting a caller decide whether to keep calling Run.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !terminal(e.proc.Status) {
			return false
		}
	}
	return true
}

func terminal(status process.Status) bool {
	return status == process.StatusDone || status == process.StatusError
}

// Run executes passes over every scheduled process until a full pass makes
// no progress at all, matching "Progress is measured per pass; if no
// process made progress in a round, the scheduler returns."
func (s *Scheduler) Run() {
	for {
		madeProgress := false
		for _, e := range s.entries {
			if terminal(e.proc.Status) {
				continue
			}
			if e.proc.Exec == process.ExecBlocked {
				if s.tick(e) {
					madeProgress = true
				}
				continue
			}
			if s.step(e) {
				madeProgress = true
			}
		}
		if !madeProgress {
			return
		}
	}
}

// tick lets a Ticker-implementing handler advance a blocked process's
// sleep/fdwait counter once per pass; a handler with nothing to progress
// here simply isn't a Ticker, and blocked processes stay blocked forever
// (a permanently-stalled process correctly stops counting as progress).
func (s *Scheduler) tick(e *entry) bool {
	ticker, ok := s.handler.(Ticker)
	if !ok {
		return false
	}
	before := e.proc.Exec
	e.proc.Exec = ticker.Tick(e.proc)
	return e.proc.Exec != before
}

// step runs one process's turn: bind it as current, clear its inline cache
// (matching the original's ClearInlineCache at the top of every turn, since
// a stale indirect-branch target from a previous turn could otherwise point
// at code since invalidated), dispatch until a syscall or an error, then
// service the syscall if that's why control returned.
func (s *Scheduler) step(e *entry) (progress bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(schedulerInterrupt); ok {
				progress = false
				return
			}
			panic(r)
		}
	}()

	s.interrupt.CheckPoint()

	unbind := e.proc.Bind(&s.current)
	defer unbind()

	e.dispatcher.MaybeClearInlineCache()

	reason, err := e.dispatcher.Execute()
	if err != nil {
		e.proc.Status = process.StatusError
		return true
	}

	switch reason {
	case dispatch.ReasonError:
		e.proc.Status = process.StatusError
		return true
	case dispatch.ReasonSyscall:
		e.proc.Status = process.StatusSystemCall
		return s.handleSyscall(e)
	default:
		return true
	}
}

// handleSyscall runs e's trapped syscall to completion inside an
// uninterruptible region, matching "enter an uninterruptible region, run
// the syscall handler, and set execution status to one of ready, blocked,
// or ready-with-a-delay-counter."
func (s *Scheduler) handleSyscall(e *entry) bool {
	s.interrupt.EnterUninterruptible()
	defer s.interrupt.LeaveUninterruptible()

	if e.syscallBudget <= 0 {
		e.proc.Status = process.StatusError
		return true
	}
	e.syscallBudget--

	exec, err := s.handler.HandleSyscall(e.proc)
	if err != nil {
		e.proc.Status = process.StatusError
		return true
	}

	e.proc.Exec = exec
	return true
}
