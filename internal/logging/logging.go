package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogFilePath builds a per-process log file path: <dir>/<service>.<start>.log.
func LogFilePath(logsDir, serviceName string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", serviceName, sessionStart.Format("20060102_150405")),
	)
}
