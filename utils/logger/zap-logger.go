package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the subset of zap.SugaredLogger the interception code uses.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Sync() error
}

var (
	mu            sync.RWMutex
	sugaredLogger *zap.SugaredLogger
)

type zapLogger struct {
	sl *zap.SugaredLogger
}

func (zl zapLogger) Debugf(format string, args ...interface{}) {
	zl.sl.Debugf(format, args...)
}

func (zl zapLogger) Infof(format string, args ...interface{}) {
	zl.sl.Infof(format, args...)
}

func (zl zapLogger) Warnf(format string, args ...interface{}) {
	zl.sl.Warnf(format, args...)
}

func (zl zapLogger) Errorf(format string, args ...interface{}) {
	zl.sl.Errorf(format, args...)
}

func (zl zapLogger) Sync() error {
	return zl.sl.Sync()
}

// the library lives inside someone else's process, stay silent until asked
func init() {
	sugaredLogger = zap.NewNop().Sugar()
}

func InitTo(toConsole bool, toFile bool, level string, projectName string) {
	logFilePath := "N/A"
	var cores []zapcore.Core
	var lvl zapcore.Level
	err := lvl.UnmarshalText([]byte(level))
	if err != nil {
		log.Println("invalid level:", level)
		return
	}
	if toConsole {
		// stderr, the application owns stdout
		cores = append(cores, zapcore.NewCore(getEncoder(), zapcore.Lock(os.Stderr), lvl))
	}
	if toFile {
		logFilePath = fmt.Sprintf("/data/%s/logs/%s.log", projectName, level)
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    200, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		})
		cores = append(cores, zapcore.NewCore(getEncoder(), writer, lvl))
	}
	core := zapcore.NewTee(cores...)

	Replace(zap.New(core))
	Infof("zap logger init, console: %t, file: %t, level: %s, path: %s", toConsole, toFile, level, logFilePath)
}

func Init(to, level, projectName string) {
	var toConsole, toFile bool
	logTo := strings.ToUpper(to)

	if logTo != "" && strings.Contains(logTo, "CONSOLE") {
		toConsole = true
	}
	if logTo != "" && strings.Contains(logTo, "FILE") {
		toFile = true
	}
	InitTo(toConsole, toFile, level, projectName)
}

// Replace swaps the process logger, tests hand in an observer core here.
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sugaredLogger = l.Sugar()
}

func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return zapLogger{sl: sugaredLogger}
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}

	return zapcore.NewConsoleEncoder(encoderConfig)
}

func Debugf(msg string, args ...interface{}) {
	GetLogger().Debugf(msg, args...)
}
func Infof(msg string, args ...interface{}) {
	GetLogger().Infof(msg, args...)
}
func Errorf(msg string, args ...interface{}) {
	GetLogger().Errorf(msg, args...)
}
func Warnf(msg string, args ...interface{}) {
	GetLogger().Warnf(msg, args...)
}
func Sync() {
	_ = GetLogger().Sync()
}
