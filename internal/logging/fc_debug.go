package logging

import (
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	fcMu      sync.Mutex
	fcLoggers = make(map[string]*log.Logger)
)

// FCDebugLogger returns a dedicated rotating logger for one module of the
// function-calling pipeline, writing to logs/fc_debug/<module>.log. Loggers
// are created lazily and shared; the same module always gets the same
// instance.
func FCDebugLogger(module string) *log.Logger {
	fcMu.Lock()
	defer fcMu.Unlock()

	if logger, ok := fcLoggers[module]; ok {
		return logger
	}

	logger := log.New()
	logger.SetLevel(log.DebugLevel)
	logger.SetReportCaller(true)
	logger.SetFormatter(&LogFormatter{})
	logger.SetOutput(&lumberjack.Logger{
		Filename:   filepath.Join("logs", "fc_debug", module+".log"),
		MaxSize:    5,
		MaxBackups: 3,
	})

	fcLoggers[module] = logger
	return logger
}
