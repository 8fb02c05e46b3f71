package logger

import (
	"bytes"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/con-j-e/featsync/internal/printer"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Level string    // "debug","info","warn","error"
	JSON  bool      // JSON output (CI, journald)
	Color bool      // colorize (console)
	Out   io.Writer // default os.Stdout
}

// Exit statuses reported by a run, keyed to the worst severity logged.
const (
	StatusOK       = 0
	StatusWarning  = 30
	StatusError    = 40
	StatusCritical = 50
)

var (
	mu       sync.RWMutex
	zlog     *zap.SugaredLogger
	out      io.Writer = os.Stdout
	p        *printer.ColorPrinter
	curLevel = zapcore.InfoLevel
	ready    atomic.Bool

	worst  atomic.Int32
	digest = &lockedBuffer{}
)

// Configure sets up the global logger.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()
	configureLocked(opts)
}

func configureLocked(opts Options) {
	if opts.Out != nil {
		out = opts.Out
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.LevelKey = ""
	encCfg.CallerKey = ""
	encCfg.MessageKey = "msg"

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(zapcore.EncoderConfig{MessageKey: "msg"})
	}

	level := parseLevel(opts.Level)
	ws := zapcore.AddSync(writerAdapter{out})
	core := zapcore.NewCore(enc, ws, level)

	// Every warning and above also lands in the run digest, whatever the
	// console level, so the notification mail sees what the operator missed.
	digestEnc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:     "time",
		LevelKey:    "level",
		MessageKey:  "msg",
		EncodeTime:  zapcore.ISO8601TimeEncoder,
		EncodeLevel: zapcore.CapitalLevelEncoder,
	})
	digestCore := zapcore.NewCore(digestEnc, zapcore.AddSync(digest), zapcore.WarnLevel)

	zlog = zap.New(zapcore.NewTee(core, digestCore)).Sugar()

	if opts.Color && !opts.JSON {
		p = printer.NewColorPrinter()
	} else {
		p = printer.NewPlainPrinter()
	}

	ready.Store(true)
}

// SetLevel adjusts current level at runtime ("debug","info","warn","error").
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	configureLocked(Options{Level: level, Out: out})
}

// SetOutput replaces the logger writer (use io.Discard in tests).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	configureLocked(Options{Level: curLevel.String(), Out: w})
}

// UseTestMode silences logs during tests.
func UseTestMode() {
	Configure(Options{
		Level: "error", // only errors
		Color: false,
		JSON:  false,
		Out:   io.Discard,
	})
}

// Out returns the current output writer (for tables).
func Out() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return out
}

// ---- Public logging API ----

func Info(msg string, args ...interface{}) {
	if !ensureReady() {
		return
	}
	mu.RLock()
	zlog.Info(p.Info("✨ "+msg, args...))
	mu.RUnlock()
}

func Success(msg string, args ...interface{}) {
	if !ensureReady() {
		return
	}
	mu.RLock()
	zlog.Info(p.Success("✅ "+msg, args...))
	mu.RUnlock()
}

func Warn(msg string, args ...interface{}) {
	raise(StatusWarning)
	if !ensureReady() {
		return
	}
	mu.RLock()
	zlog.Warn(p.Warning("⚠️ "+msg, args...))
	mu.RUnlock()
}

func LogError(msg string, args ...interface{}) {
	raise(StatusError)
	if !ensureReady() {
		return
	}
	mu.RLock()
	zlog.Error(p.Error("❌ "+msg, args...))
	mu.RUnlock()
}

// Critical logs at error level and marks the run critical.
func Critical(msg string, args ...interface{}) {
	raise(StatusCritical)
	if !ensureReady() {
		return
	}
	mu.RLock()
	zlog.Error(p.Fatal("🔥 "+msg, args...))
	mu.RUnlock()
}

func Debug(msg string, args ...interface{}) {
	if !ensureReady() {
		return
	}
	mu.RLock()
	zlog.Debug(p.Debug("🛠️ "+msg, args...))
	mu.RUnlock()
}

// Sync flushes buffered entries.
func Sync() {
	if !ensureReady() {
		return
	}
	mu.RLock()
	_ = zlog.Sync()
	mu.RUnlock()
}

// ---- Run severity ----

// ExitStatus maps the worst severity logged so far to a process exit code.
func ExitStatus() int {
	return int(worst.Load())
}

// Digest returns every warning-or-worse line logged since the last Reset.
func Digest() string {
	return digest.String()
}

// Reset clears the run severity and digest.
func Reset() {
	worst.Store(StatusOK)
	digest.Reset()
}

func raise(status int32) {
	for {
		cur := worst.Load()
		if cur >= status || worst.CompareAndSwap(cur, status) {
			return
		}
	}
}

// ---- Tables ----

func CreateTable(headers []string) *tablewriter.Table {
	mu.RLock()
	defer mu.RUnlock()
	t := tablewriter.NewTable(out)
	t.Header(headers)
	return t
}

// ---- internals ----

type writerAdapter struct{ w io.Writer }

func (wa writerAdapter) Write(p []byte) (int, error) { return wa.w.Write(p) }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		curLevel = zapcore.DebugLevel
	case "info", "":
		curLevel = zapcore.InfoLevel
	case "warn":
		curLevel = zapcore.WarnLevel
	case "error":
		curLevel = zapcore.ErrorLevel
	default:
		curLevel = zapcore.InfoLevel
	}
	return curLevel
}

func ensureReady() bool {
	if !ready.Load() {
		return false
	}
	if p == nil || zlog == nil {
		return false
	}
	return true
}
