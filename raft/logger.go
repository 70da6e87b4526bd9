package raft

import "go.uber.org/zap"

// raftLogger adapts a zap sugared logger to the etcd raft Logger interface.
type raftLogger struct {
	lg *zap.SugaredLogger
}

func (l *raftLogger) Debug(v ...interface{})                   { l.lg.Debug(v...) }
func (l *raftLogger) Debugf(format string, v ...interface{})   { l.lg.Debugf(format, v...) }
func (l *raftLogger) Info(v ...interface{})                    { l.lg.Info(v...) }
func (l *raftLogger) Infof(format string, v ...interface{})    { l.lg.Infof(format, v...) }
func (l *raftLogger) Warning(v ...interface{})                 { l.lg.Warn(v...) }
func (l *raftLogger) Warningf(format string, v ...interface{}) { l.lg.Warnf(format, v...) }
func (l *raftLogger) Error(v ...interface{})                   { l.lg.Error(v...) }
func (l *raftLogger) Errorf(format string, v ...interface{})   { l.lg.Errorf(format, v...) }
func (l *raftLogger) Fatal(v ...interface{})                   { l.lg.Fatal(v...) }
func (l *raftLogger) Fatalf(format string, v ...interface{})   { l.lg.Fatalf(format, v...) }
func (l *raftLogger) Panic(v ...interface{})                   { l.lg.Panic(v...) }
func (l *raftLogger) Panicf(format string, v ...interface{})   { l.lg.Panicf(format, v...) }
