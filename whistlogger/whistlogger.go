// Package whistlogger is the logging layer shared by every component of the
// scaling service. Logs always go to the console. When production logging is
// enabled, error-level entries are additionally reported to Sentry and every
// entry is shipped to logz.io.
package whistlogger // import "github.com/whisthq/whist/backend/fleet/whistlogger"

import (
	"context"
	"log"
	"os"
	"runtime/debug"

	"github.com/whisthq/whist/backend/fleet/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// The cores that ship logs to external services. They stay nil unless
// production logging is enabled.
var (
	sentryTransport zapcore.Core
	logzioTransport zapcore.Core
)

func init() {
	// First, define our level-handling logic.
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel
	})
	allLevels := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return true
	})

	// High-priority output should go to standard error, and low-priority
	// output should also go to standard out.
	consoleDebugging := zapcore.Lock(os.Stdout)
	consoleErrors := zapcore.Lock(os.Stderr)

	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()

	// Enable colored output on stdout
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, consoleErrors, highPriority),
		zapcore.NewCore(consoleEncoder, consoleDebugging, lowPriority),
	}

	if usingProdLogging() {
		sentryTransport = newSentryCore(highPriority)
		if sentryTransport != nil {
			cores = append(cores, sentryTransport)
		}

		logzioTransport = newLogzioCore(allLevels)
		if logzioTransport != nil {
			cores = append(cores, logzioTransport)
		}
	} else {
		log.Print("Not setting up Sentry and logz.io.")
	}

	// Join the outputs, encoders, and level-handling functions into
	// zapcore.Cores, then tee the cores together.
	logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// Sync flushes all buffered log entries.
func Sync() {
	_ = logger.Sync()
}

// Close flushes all production logging (i.e. Sentry and Logzio). It should be
// deferred at the top of main.
func Close() {
	Info("Flushing Sentry and logz.io...")
	Sync()
}

// Debugf logs debugging information, but does not send it to Sentry.
func Debugf(format string, v ...interface{}) {
	logger.Sugar().Debugf(format, v...)
}

// Info logs some info + timestamp, but does not send it to Sentry.
func Info(v ...interface{}) {
	logger.Sugar().Info(v...)
}

// Infof is identical to Info, but it respects printf syntax.
func Infof(format string, v ...interface{}) {
	logger.Sugar().Infof(format, v...)
}

// Infow logs a message with the structured context fields attached.
func Infow(msg string, contextFields []interface{}) {
	logger.Sugar().Infow(msg, contextFields...)
}

// Warning logs an error in red text, like Error, but doesn't send it to
// Sentry.
func Warning(err error) {
	logger.Sugar().Warn(err)
}

// Warningf is like Warning, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Warningf(format string, v ...interface{}) {
	logger.Sugar().Warnf(format, v...)
}

// Warningw logs a warning with the structured context fields attached.
func Warningw(msg string, contextFields []interface{}) {
	logger.Sugar().Warnw(msg, contextFields...)
}

// Error logs an error and sends it to Sentry.
func Error(err error) {
	logger.Sugar().Error(err)
}

// Errorf is like Error, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Errorf(format string, v ...interface{}) {
	logger.Sugar().Errorf(format, v...)
}

// Errorw logs an error with the structured context fields attached and sends
// it to Sentry.
func Errorw(msg string, contextFields []interface{}) {
	logger.Sugar().Errorw(msg, contextFields...)
}

// Panic sends an error to Sentry and "pretends" to panic on it by printing the
// stack trace and calling the provided global context-cancelling function.
// This causes all the goroutines in the program to kill themselves (cleanly).
// This function should not be used except to initiate termination of the
// entire scaling service. Passing in a nil `globalCancel` parameter will just
// panic on `err` instead, after flushing the logging queues.
func Panic(globalCancel context.CancelFunc, err error) {
	logger.Sugar().Error(err)
	PrintStackTrace()

	if globalCancel != nil {
		globalCancel()
	} else {
		Sync()
		logger.Sugar().Panic(err)
	}
}

// Panicf is like Panic, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Panicf(globalCancel context.CancelFunc, format string, v ...interface{}) {
	Panic(globalCancel, utils.MakeError(format, v...))
}

// PrintStackTrace prints the stack trace, for debugging purposes.
func PrintStackTrace() {
	Info("Printing stack trace: ")
	debug.PrintStack()
}
