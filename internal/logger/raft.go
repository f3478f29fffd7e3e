package logger

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Raft adapts a zerolog logger to the etcd raft Logger interface.
type Raft struct {
	L zerolog.Logger
}

func NewRaft(component string) *Raft { return &Raft{L: With(component)} }

func (r *Raft) Debug(v ...interface{})                 { r.L.Debug().Msg(fmt.Sprint(v...)) }
func (r *Raft) Debugf(format string, v ...interface{}) { r.L.Debug().Msgf(format, v...) }
func (r *Raft) Info(v ...interface{})                  { r.L.Info().Msg(fmt.Sprint(v...)) }
func (r *Raft) Infof(format string, v ...interface{})  { r.L.Info().Msgf(format, v...) }
func (r *Raft) Warning(v ...interface{})               { r.L.Warn().Msg(fmt.Sprint(v...)) }
func (r *Raft) Warningf(format string, v ...interface{}) {
	r.L.Warn().Msgf(format, v...)
}
func (r *Raft) Error(v ...interface{})                 { r.L.Error().Msg(fmt.Sprint(v...)) }
func (r *Raft) Errorf(format string, v ...interface{}) { r.L.Error().Msgf(format, v...) }

func (r *Raft) Fatal(v ...interface{}) {
	r.L.Error().Msg(fmt.Sprint(v...))
	os.Exit(1)
}

func (r *Raft) Fatalf(format string, v ...interface{}) {
	r.L.Error().Msgf(format, v...)
	os.Exit(1)
}

func (r *Raft) Panic(v ...interface{}) {
	msg := fmt.Sprint(v...)
	r.L.Error().Msg(msg)
	panic(msg)
}

func (r *Raft) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	r.L.Error().Msg(msg)
	panic(msg)
}
