package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var debug atomic.Bool

// Setup configures rotating file logs at <dir>/<app>.log and also writes to stdout.
// dir defaults to logs/ next to the executable.
func Setup(app, dir string) io.Closer {
	if dir == "" {
		dir = os.Getenv("THROTTLE_LOG_DIR")
	}
	if dir == "" {
		exe, _ := os.Executable()
		dir = filepath.Join(filepath.Dir(exe), "logs")
	}
	_ = os.MkdirAll(dir, 0o755)
	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, app+".log"),
		MaxSize:    GetEnvInt("THROTTLE_LOG_MAX_SIZE_MB", 20),
		MaxBackups: GetEnvInt("THROTTLE_LOG_MAX_BACKUPS", 5),
		MaxAge:     GetEnvInt("THROTTLE_LOG_MAX_AGE_DAYS", 7),
		Compress:   false,
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, w))
	if v := strings.ToLower(os.Getenv("THROTTLE_DEBUG")); v == "1" || v == "true" || v == "yes" {
		SetDebug(true)
	}
	return w
}

func SetDebug(on bool) { debug.Store(on) }

func IsDebug() bool { return debug.Load() }

// Debugf logs only while debug output is switched on.
func Debugf(format string, args ...interface{}) {
	if debug.Load() {
		_ = log.Output(2, fmt.Sprintf(format, args...))
	}
}

func GetEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}
