package kafka

import (
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func namedLogger(log *zap.Logger, name string) *zap.Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return log.Named(name)
}

// syslogLevel maps librdkafka's syslog levels to zap levels
func syslogLevel(level int) zapcore.Level {
	switch {
	case level <= 3:
		return zapcore.ErrorLevel
	case level == 4:
		return zapcore.WarnLevel
	case level <= 6:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// forwardLogs writes librdkafka log events to log until logs is closed or
// done is closed.
func forwardLogs(log *zap.Logger, logs chan kafka.LogEvent, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-logs:
			if !ok {
				return
			}
			if ce := log.Check(syslogLevel(ev.Level), ev.Message); ce != nil {
				ce.Write(
					zap.String("client", ev.Name),
					zap.String("tag", ev.Tag),
					zap.Time("ts", ev.Timestamp),
				)
			}
		}
	}
}
