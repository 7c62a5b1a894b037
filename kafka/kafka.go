// Package kafka provides dependency-injection friendly producer and consumer
// base types on top of confluent-kafka-go.
//
// Features:
//   - ClientHandle: one native producer shared by every typed producer
//   - KafkaProducer[K, V]: a producer bound to a topic and serializers, with
//     ProduceAsync (wait for the delivery report), Produce (delivery report
//     callback) and Flush
//   - KafkaConsumer[K, V]: a background service that subscribes to a topic
//     and dispatches messages to a Handler until cancelled
//   - Schema-less (JSON / raw) and Avro serialization
//   - OpenTelemetry distributed tracing
//   - Dead-letter queue for poison messages
//   - Built-in health checks
//
// Protocol handling, consumer group coordination, batching, retries and
// delivery acknowledgment are left to librdkafka.
//
// Quick Start:
//
//	handle, err := kafka.NewClientHandle(kafka.ProducerOptions{
//	    BootstrapServers: "localhost:9092",
//	}, logger)
//	defer handle.Close()
//
//	orders := kafka.NewProducer[string, Order](handle, "orders")
//	report, err := orders.ProduceAsync(ctx, order.ID, order)
//
//	consumer, err := kafka.NewConsumer[string, Order](kafka.ConsumerOptions{
//	    BootstrapServers: "localhost:9092",
//	    GroupID:          "billing",
//	}, &OrderHandler{}, logger)
//
//	err = consumer.Run(ctx)
//
// See the kafkafx package to host producers and consumers in an fx application.
package kafka

// Version of the library
const Version = "1.0.0"
