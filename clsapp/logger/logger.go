package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New zap 로거 생성
//
// info 이하 레벨은 stdout, warn 이상은 stderr 로 출력한다.
func New(debug bool) *zap.Logger {
	return newLogger(debug, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

func newLogger(debug bool, stdoutSyncer, stderrSyncer zapcore.WriteSyncer) *zap.Logger {
	lowLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		if debug {
			return level == zapcore.DebugLevel || level == zapcore.InfoLevel
		}
		return level == zapcore.InfoLevel
	})

	highLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	var encoder zapcore.Encoder
	if debug {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, stdoutSyncer, lowLevel),
		zapcore.NewCore(encoder.Clone(), stderrSyncer, highLevel),
	)

	return zap.New(core, zap.AddCaller())
}
