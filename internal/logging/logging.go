// Package logging defines the logger carried by the runtime. The
// default discards everything; embedders plug their own in through an
// option on the public package.
package logging

// Logger receives diagnostic output from the safepoint machinery.
// Implementations must be safe for concurrent use and must not block
// on worker progress: the coordinator logs while every worker is
// stopped.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type nop struct{}

func (nop) Debugf(string, ...any) {}
func (nop) Infof(string, ...any)  {}
func (nop) Warnf(string, ...any)  {}

// Nop returns a logger that discards everything.
func Nop() Logger { return nop{} }

// Funcs adapts three printf-style functions to a Logger. Nil functions
// discard their level.
type Funcs struct {
	Debug func(format string, args ...any)
	Info  func(format string, args ...any)
	Warn  func(format string, args ...any)
}

func (f Funcs) Debugf(format string, args ...any) {
	if f.Debug != nil {
		f.Debug(format, args...)
	}
}

func (f Funcs) Infof(format string, args ...any) {
	if f.Info != nil {
		f.Info(format, args...)
	}
}

func (f Funcs) Warnf(format string, args ...any) {
	if f.Warn != nil {
		f.Warn(format, args...)
	}
}
