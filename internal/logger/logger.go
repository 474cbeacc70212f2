// Package logger создаёт zap-логгер сервиса.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New возвращает production-логгер. Если задан file, вывод идёт в файл с ротацией.
func New(file string) (*zap.Logger, error) {
	if file == "" {
		return zap.NewProduction()
	}

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		writer,
		zap.InfoLevel,
	)

	return zap.New(core, zap.AddCaller()), nil
}
