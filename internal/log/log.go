// Package log provides the shared btclog backend and per-subsystem
// sub-loggers used by every yabwebhookd binary.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements io.Writer and plugs into the logging backend.
// Writes always go to stdout, and are duplicated to the log rotator's
// pipe once InitLogRotator has wired one up.
type logWriter struct {
	rotatorPipe io.Writer
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if w.rotatorPipe != nil {
		w.rotatorPipe.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it write to the backend. Until
// InitLogRotator has been called, output goes to stdout only.
var (
	writer     = &logWriter{}
	backendLog = btclog.NewBackend(writer)

	logRotator *rotator.Rotator

	// Lstn is used by the Listener and its upstream RPC session.
	Lstn = backendLog.Logger("LSTN")
	// Proc is used by the Processor.
	Proc = backendLog.Logger("PROC")
	// Disp is used by the Dispatcher.
	Disp = backendLog.Logger("DISP")
	// Queu is used by the reliable work queue implementations.
	Queu = backendLog.Logger("QUEU")
	// Stor is used by the subscriber store.
	Stor = backendLog.Logger("STOR")
)

var subsystemLoggers = map[string]btclog.Logger{
	"LSTN": Lstn,
	"PROC": Proc,
	"DISP": Disp,
	"QUEU": Queu,
	"STOR": Stor,
}

// InitLogRotator initializes the logging rotator to write logs to
// logFile and create roll files in the same directory.
func InitLogRotator(logFile string, maxLogFileSize, maxLogFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, int64(maxLogFileSize*1024), false, maxLogFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	writer.rotatorPipe = pw
	logRotator = r
	return nil
}

// SetLevel sets the logging level for the named subsystem. Unknown
// subsystem names are ignored.
func SetLevel(subsystem, levelStr string) {
	logger, ok := subsystemLoggers[subsystem]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(levelStr)
	logger.SetLevel(level)
}

// SetLevels sets the logging level for all subsystems.
func SetLevels(levelStr string) {
	for subsystem := range subsystemLoggers {
		SetLevel(subsystem, levelStr)
	}
}

// Flush flushes the log rotator, if one was initialized.
func Flush() {
	if logRotator != nil {
		logRotator.Close()
	}
}
