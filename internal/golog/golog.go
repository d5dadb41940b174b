// Package golog is a small structured, leveled logger in the style of
// go-ethereum's log package: a message plus alternating key/value
// context, a global verbosity gate, call-site annotation via
// github.com/go-stack/stack, and ANSI-colored level tags when stderr is
// a terminal.
package golog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-isatty"
)

// Lvl is a log verbosity level.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlTrace:
		return "TRACE"
	case LvlDebug:
		return "DEBUG"
	case LvlInfo:
		return "INFO"
	case LvlWarn:
		return "WARN"
	case LvlError:
		return "ERROR"
	case LvlCrit:
		return "CRIT"
	default:
		return "?????"
	}
}

var colors = map[Lvl]string{
	LvlCrit:  "\x1b[35m", // magenta
	LvlError: "\x1b[31m", // red
	LvlWarn:  "\x1b[33m", // yellow
	LvlInfo:  "\x1b[32m", // green
	LvlDebug: "\x1b[36m", // cyan
	LvlTrace: "\x1b[34m", // blue
}

var (
	verbosity atomic.Int32
	outMu     sync.Mutex
	out       io.Writer = os.Stderr
	useColor            = isatty.IsTerminal(os.Stderr.Fd())
)

func init() {
	verbosity.Store(int32(LvlInfo))
}

// SetVerbosity sets the global level gate; records above it are dropped.
func SetVerbosity(l Lvl) {
	verbosity.Store(int32(l))
}

// SetOutput redirects all loggers to w and disables color. Meant for
// tests capturing output.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
	useColor = false
}

// Logger carries bound context key/value pairs. The zero value is usable.
type Logger struct {
	ctx []interface{}
}

// Root returns the root logger with no bound context.
func Root() Logger { return Logger{} }

// New returns a logger with ctx appended to the receiver's bound context.
func (l Logger) New(ctx ...interface{}) Logger {
	child := make([]interface{}, 0, len(l.ctx)+len(ctx))
	child = append(child, l.ctx...)
	child = append(child, ctx...)
	return Logger{ctx: child}
}

// New returns a root-derived logger with the given bound context.
func New(ctx ...interface{}) Logger { return Root().New(ctx...) }

func (l Logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l Logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l Logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l Logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l Logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }

// Crit logs at the critical level and exits the process, matching the
// go-ethereum convention that Crit is only for unrecoverable states.
func (l Logger) Crit(msg string, ctx ...interface{}) {
	l.write(LvlCrit, msg, ctx)
	os.Exit(1)
}

func (l Logger) write(lvl Lvl, msg string, ctx []interface{}) {
	if Lvl(verbosity.Load()) < lvl {
		return
	}
	var b strings.Builder
	tag := lvl.String()
	if useColor {
		fmt.Fprintf(&b, "%s%-5s\x1b[0m", colors[lvl], tag)
	} else {
		fmt.Fprintf(&b, "%-5s", tag)
	}
	fmt.Fprintf(&b, "[%s] %-40s", time.Now().Format("01-02|15:04:05.000"), msg)
	writeCtx(&b, l.ctx)
	writeCtx(&b, ctx)
	fmt.Fprintf(&b, " caller=%+v", stack.Caller(2))
	b.WriteByte('\n')

	outMu.Lock()
	defer outMu.Unlock()
	io.WriteString(out, b.String())
}

func writeCtx(b *strings.Builder, ctx []interface{}) {
	for i := 0; i+1 < len(ctx); i += 2 {
		fmt.Fprintf(b, " %v=%v", ctx[i], ctx[i+1])
	}
	if len(ctx)%2 != 0 {
		fmt.Fprintf(b, " LOG_ERROR=%q", "odd number of context values")
	}
}
