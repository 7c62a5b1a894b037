package kafkafx

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Logger provides a production zap logger and routes fx's own events to it.
var Logger = fx.Options(
	fx.Provide(zap.NewProduction),
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log}
	}),
)
