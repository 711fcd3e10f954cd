package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// Logger writes leveled lines to a daily file under dir, optionally
// echoing Info and above to stdout. The level may change at runtime.
type Logger struct {
	level         atomic.Int32
	includeStdout bool
	stdout        io.Writer

	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
	now  func() time.Time
	wg   sync.WaitGroup
}

// New opens today's log file in dir, creating dir when needed.
func New(dir string, level Level, includeStdout bool) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &Logger{
		includeStdout: includeStdout,
		stdout:        os.Stdout,
		dir:           dir,
		now:           time.Now,
	}
	l.level.Store(int32(level))

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.openLocked(l.now()); err != nil {
		return nil, err
	}
	return l, nil
}

// Nop discards everything. Used by tests and one-shot tools.
func Nop() *Logger {
	l := &Logger{now: time.Now}
	l.level.Store(int32(LevelFatal + 1))
	return l
}

// FileName is the log file name for the day containing t.
func FileName(t time.Time) string {
	return "usenetd-" + t.Format("2006-01-02") + ".log"
}

func (l *Logger) openLocked(t time.Time) error {
	f, err := os.OpenFile(filepath.Join(l.dir, FileName(t)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	l.day = t.Format("2006-01-02")
	return nil
}

// rotateLocked switches to a new file when the day changed, compressing
// the previous one in the background.
func (l *Logger) rotateLocked(t time.Time) {
	if l.file == nil || t.Format("2006-01-02") == l.day {
		return
	}
	prev := l.file.Name()
	_ = l.file.Close()
	l.file = nil
	if err := l.openLocked(t); err != nil {
		fmt.Fprintf(os.Stderr, "logger: rotate: %v\n", err)
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := compressFile(prev); err != nil {
			fmt.Fprintf(os.Stderr, "logger: compress %s: %v\n", prev, err)
		}
	}()
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

func (l *Logger) log(lvl Level, prefix string, format string, v ...interface{}) {
	if lvl < Level(l.level.Load()) {
		return
	}

	now := l.now()
	timestamp := now.Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)
	fullMsg := fmt.Sprintf("%s [%s] %s", timestamp, prefix, msg)

	l.mu.Lock()
	l.rotateLocked(now)
	if l.file != nil {
		fmt.Fprintln(l.file, fullMsg)
	}
	l.mu.Unlock()

	// Write to Stdout for Docker/CLI if enabled AND level is Info or higher
	// This prevents Debug spam from breaking progress bar and other CLI UI elements
	if l.includeStdout && lvl >= LevelInfo {
		fmt.Fprintf(l.stdout, "\n%s", fullMsg)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel changes the minimum level written.
func (l *Logger) SetLevel(lvl Level) { l.level.Store(int32(lvl)) }

func (l *Logger) Level() Level { return Level(l.level.Load()) }

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, "DEBUG", f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, "INFO", f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, "WARN", f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, "ERROR", f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, "FATAL", f, v...); os.Exit(1) }

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}

// Close flushes pending compression and closes the current file.
func (l *Logger) Close() error {
	l.mu.Lock()
	f := l.file
	l.file = nil
	l.mu.Unlock()
	l.wg.Wait()
	if f != nil {
		return f.Close()
	}
	return nil
}
