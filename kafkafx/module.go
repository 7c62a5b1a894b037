// Package kafkafx hosts kafka producers and consumers in an fx application.
//
//	fx.New(
//	    kafkafx.Logger,
//	    kafkafx.Config(kafkafx.WithConfigFile("config.yml")),
//	    kafkafx.Module,
//	    fx.Provide(
//	        NewOrderProducer,
//	        kafkafx.AsConsumer(NewOrderConsumer),
//	    ),
//	).Run()
package kafkafx

import (
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/loipv/kafka-hosting/kafka"
)

// ConsumersGroup is the value group collecting consumer background services.
const ConsumersGroup = "kafka.consumers"

// Module binds the kafka options from viper, provides the shared
// *kafka.ClientHandle and runs every consumer registered with AsConsumer for
// the lifetime of the application.
var Module = fx.Module("kafka",
	fx.Provide(
		NewProducerOptions,
		NewConsumerOptions,
		NewClientHandle,
	),
	fx.Invoke(validateOnStart),
	fx.Invoke(
		fx.Annotate(
			registerConsumers,
			fx.ParamTags("", "", `group:"`+ConsumersGroup+`"`),
		),
	),
)

// Config provides the *viper.Viper built by LoadConfig.
func Config(opts ...ConfigOption) fx.Option {
	return fx.Provide(func() (*viper.Viper, error) {
		return LoadConfig(opts...)
	})
}

// AsConsumer annotates a constructor whose result implements
// kafka.BackgroundService so that Module starts and stops it with the
// application.
func AsConsumer(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(kafka.BackgroundService)),
		fx.ResultTags(`group:"`+ConsumersGroup+`"`),
	)
}

// NewProducerOptions binds kafka.producer.
func NewProducerOptions(v *viper.Viper) (kafka.ProducerOptions, error) {
	return Bind[kafka.ProducerOptions](v, kafka.ProducerOptionsPosition)
}

// NewConsumerOptions binds kafka.consumer.
func NewConsumerOptions(v *viper.Viper) (kafka.ConsumerOptions, error) {
	return Bind[kafka.ConsumerOptions](v, kafka.ConsumerOptionsPosition)
}

// HandleParams are the dependencies of NewClientHandle.
type HandleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Options   kafka.ProducerOptions
	Logger    *zap.Logger

	TracerProvider trace.TracerProvider          `optional:"true"`
	Propagator     propagation.TextMapPropagator `optional:"true"`

	// Native replaces the librdkafka producer, mostly for tests.
	Native kafka.NativeProducer `optional:"true"`
}

// NewClientHandle creates the application's single client handle. It is
// flushed and closed when the application stops.
func NewClientHandle(p HandleParams) (*kafka.ClientHandle, error) {
	var opts []kafka.HandleOption
	if p.Native != nil {
		opts = append(opts, kafka.WithNativeProducer(p.Native))
	}
	if p.TracerProvider != nil {
		opts = append(opts, kafka.WithTracerProvider(p.TracerProvider, propagator(p.Propagator)))
	}

	handle, err := kafka.NewClientHandle(p.Options, p.Logger, opts...)
	if err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.StopHook(handle.Close))
	return handle, nil
}

func propagator(p propagation.TextMapPropagator) propagation.TextMapPropagator {
	if p != nil {
		return p
	}
	return propagation.TraceContext{}
}

// validateOnStart fails application start when a configured section is
// invalid. Sections absent from the configuration are left alone.
func validateOnStart(lc fx.Lifecycle, v *viper.Viper, producer kafka.ProducerOptions, consumer kafka.ConsumerOptions) {
	lc.Append(fx.StartHook(func() error {
		var err error
		if configured(v, kafka.ProducerOptionsPosition) {
			producer.ApplyDefaults()
			err = multierr.Append(err, producer.Validate())
		}
		if configured(v, kafka.ConsumerOptionsPosition) {
			consumer.ApplyDefaults()
			err = multierr.Append(err, consumer.Validate())
		}
		return err
	}))
}

func registerConsumers(lc fx.Lifecycle, log *zap.Logger, services []kafka.BackgroundService) {
	log = log.Named("kafka")
	for _, svc := range services {
		lc.Append(fx.Hook{
			OnStart: svc.Start,
			OnStop:  svc.Stop,
		})
	}
	if len(services) > 0 {
		log.Info("Kafka consumers registered", zap.Int("count", len(services)))
	}
}
