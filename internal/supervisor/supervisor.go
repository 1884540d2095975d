// Package supervisor runs the background upkeep of a dispatcher: recovery
// of open sessions at startup and a periodic sweep that repairs
// professional load counters and re-arms offers whose timers were lost.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/robfig/cron/v3"
)

// DefaultGrace is how far past its deadline an open session may be before
// the sweep treats its timer as lost.
const DefaultGrace = 30 * time.Second

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Recoverer re-arms timers for open sessions.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Reconciler recomputes professional load from active sessions.
type Reconciler interface {
	Reconcile(ctx context.Context) (int64, error)
}

// OpenSessions lists sessions that are not terminal.
type OpenSessions interface {
	ListOpen(ctx context.Context) ([]*lifecycle.Session, error)
}

// Opts configures a Supervisor.
type Opts struct {
	Dispatcher Recoverer
	Directory  Reconciler
	Sessions   OpenSessions
	Schedule   string // 5-field cron expression for the sweep
	Grace      time.Duration
	Clock      lifecycle.Clock
	Logger     *logger.Logger
}

// Supervisor owns the recovery and sweep loop.
type Supervisor struct {
	dispatcher Recoverer
	directory  Reconciler
	sessions   OpenSessions
	schedule   string
	sched      cron.Schedule
	grace      time.Duration
	clock      lifecycle.Clock
	log        *logger.Logger
}

// Report summarizes one sweep.
type Report struct {
	Reconciled int64 // professionals whose load was corrected
	Overdue    int   // open sessions past deadline plus grace
	Rearmed    int   // timers armed by the follow-up recovery
}

// New validates opts and creates a Supervisor.
func New(opts Opts) (*Supervisor, error) {
	if opts.Dispatcher == nil || opts.Directory == nil || opts.Sessions == nil {
		return nil, fmt.Errorf("supervisor: dispatcher, directory and sessions are required")
	}
	if opts.Schedule == "" {
		opts.Schedule = "*/5 * * * *"
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("supervisor: schedule %q: %w", opts.Schedule, err)
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Clock == nil {
		opts.Clock = lifecycle.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Supervisor{
		dispatcher: opts.Dispatcher,
		directory:  opts.Directory,
		sessions:   opts.Sessions,
		schedule:   opts.Schedule,
		sched:      sched,
		grace:      opts.Grace,
		clock:      opts.Clock,
		log:        opts.Logger.With("component", "supervisor"),
	}, nil
}

// Run recovers open sessions, then sweeps on the schedule until ctx is
// cancelled. A failed startup recovery is fatal; sweep failures are logged.
func (s *Supervisor) Run(ctx context.Context) error {
	armed, err := s.dispatcher.Recover(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: recover: %w", err)
	}
	s.log.Info("startup recovery complete", "timers", armed)

	c := cron.New(cron.WithParser(cronParser), cron.WithLogger(cronLogger{s.log}))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("supervisor: schedule sweep: %w", err)
	}
	c.Start()
	s.log.Info("sweep scheduled", "schedule", s.schedule, "next_in", s.NextRun(s.clock.Now()))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Sweep reconciles professional load and, when any open session has
// overrun its deadline, runs recovery again to re-arm it.
func (s *Supervisor) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	n, err := s.directory.Reconcile(ctx)
	if err != nil {
		return rep, fmt.Errorf("supervisor: reconcile: %w", err)
	}
	rep.Reconciled = n
	if n > 0 {
		s.log.Warn("corrected professional load counters", "rows", n)
	}

	open, err := s.sessions.ListOpen(ctx)
	if err != nil {
		return rep, fmt.Errorf("supervisor: list open sessions: %w", err)
	}
	cutoff := s.clock.Now().Add(-s.grace)
	for _, sess := range open {
		if dl := sess.Deadline(); !dl.IsZero() && dl.Before(cutoff) {
			rep.Overdue++
			s.log.Warn("session overran its deadline", "session", sess.ID, "state", sess.State, "deadline", dl)
		}
	}
	if rep.Overdue == 0 {
		return rep, nil
	}

	rep.Rearmed, err = s.dispatcher.Recover(ctx)
	if err != nil {
		return rep, fmt.Errorf("supervisor: recover overdue: %w", err)
	}
	return rep, nil
}

// NextRun returns the duration from now until the next scheduled sweep.
func (s *Supervisor) NextRun(now time.Time) time.Duration {
	d := s.sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
