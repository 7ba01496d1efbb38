package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// CrashLogDir is the directory where crash reports are written
var CrashLogDir = filepath.Join(ExecutableDir(), "logs")

// InstallCrashHandler prepares the crash report directory. main calls it
// with "" before config is loaded; serve calls it again with Config.LogDir.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		CrashLogDir = logDir
	}
	if err := os.MkdirAll(CrashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create log directory: %v\n", err)
	}
}

// WriteCrashFile writes a crash report and returns its path ("" when the write failed)
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	crashPath := filepath.Join(CrashLogDir, fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))

	var report strings.Builder
	fmt.Fprintf(&report, "=== WHATSMYTOKEN CRASH REPORT ===\n")
	fmt.Fprintf(&report, "Time: %s\nVersion: %s\n\n", time.Now().Format(time.RFC3339), CurrentBuild())
	fmt.Fprintf(&report, "=== PANIC VALUE ===\n%v\n\n", panicVal)
	fmt.Fprintf(&report, "=== STACK TRACE ===\n%s\n", stackTrace)
	fmt.Fprintf(&report, "=== SYSTEM INFO ===\nNumGoroutine: %d\nGOOS: %s\nGOARCH: %s\n",
		runtime.NumGoroutine(), runtime.GOOS, runtime.GOARCH)

	if err := os.WriteFile(crashPath, []byte(report.String()), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to write crash file: %v\n%s", err, report.String())
		return ""
	}

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - Report saved to: %s !!!\nPanic: %v\n", crashPath, panicVal)
	return crashPath
}

// GetStackTrace returns the current goroutine's stack trace
func GetStackTrace() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// RecoverWithCrashFile is a helper for deferred panic recovery that writes a crash file.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		WriteCrashFile(r, GetStackTrace())
		os.Exit(1)
	}
}
