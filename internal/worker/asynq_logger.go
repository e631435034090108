package worker

import (
	"fmt"

	"karaoke/internal/logger"
)

// asynqLogger routes asynq's own logging through the component logger.
type asynqLogger struct{ log *logger.Logger }

func newAsynqLogger() *asynqLogger { return &asynqLogger{log: logger.New("Asynq")} }

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
