package shared

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/clusterforge/converge/pkg/logger"
)

// ReturnLogError logs the error and returns it.
func ReturnLogError(format string, args ...interface{}) error {
	log := logger.AddLogger()
	err := formatLogArgs(format, args...)

	if err != nil {
		pc, file, line, ok := runtime.Caller(1)
		if ok {
			funcName := runtime.FuncForPC(pc).Name()
			log.Error(fmt.Sprintf("%s\nLast call: %s in %s:%d", err.Error(), funcName, file, line))
		} else {
			log.Error(err.Error())
		}
	}

	return err
}

// LogLevel logs the message with the specified level.
func LogLevel(level, format string, args ...interface{}) {
	log := logger.AddLogger()
	msg := formatLogArgs(format, args...)

	switch level {
	case "debug":
		log.Debug(msg)
	case "info":
		log.Info(msg)
	case "warn":
		log.Warn(msg)
	case "error":
		pc, file, line, ok := runtime.Caller(1)
		if ok {
			funcName := runtime.FuncForPC(pc).Name()
			log.Error(fmt.Sprintf("%s\nLast call: %s in %s:%d", msg, funcName, file, line))
		} else {
			log.Error(msg)
		}
	}
}

// formatLogArgs builds the message, preserving a leading error argument
// so wrapped errors survive the round trip through the log helpers.
func formatLogArgs(format string, args ...interface{}) error {
	if len(args) == 0 {
		return errors.New(format)
	}
	if e, ok := args[0].(error); ok {
		if len(args) > 1 {
			return fmt.Errorf(format, args[1:]...)
		}

		return e
	}

	return fmt.Errorf(format, args...)
}
