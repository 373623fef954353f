package sim

import (
	"github.com/sirupsen/logrus"
)

// LogrusLevel maps a federation log level onto the logrus scale.
func (l LogLevel) LogrusLevel() logrus.Level {
	switch {
	case l <= LogNoPrint:
		return logrus.PanicLevel
	case l < LogWarning:
		return logrus.ErrorLevel
	case l < LogSummary:
		return logrus.WarnLevel
	case l < LogInterfaces:
		return logrus.InfoLevel
	case l < LogData:
		return logrus.DebugLevel
	}
	return logrus.TraceLevel
}

// NewLogger returns a logger sharing the standard logger's output and
// formatter but filtered at its own level, so one noisy node can be turned
// up without flooding the rest of the process.
func NewLogger(level LogLevel) *logrus.Logger {
	std := logrus.StandardLogger()
	return &logrus.Logger{
		Out:          std.Out,
		Formatter:    std.Formatter,
		Hooks:        std.Hooks,
		Level:        level.LogrusLevel(),
		ExitFunc:     std.ExitFunc,
		ReportCaller: std.ReportCaller,
	}
}

// LevelFromLogrus is the inverse of LogrusLevel for the levels it produces.
func LevelFromLogrus(l logrus.Level) LogLevel {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return LogNoPrint
	case logrus.ErrorLevel:
		return LogError
	case logrus.WarnLevel:
		return LogWarning
	case logrus.InfoLevel:
		return LogSummary
	case logrus.DebugLevel:
		return LogTiming
	}
	return LogTrace
}
