// Package chainflow moves blockchain events from a chain source to the
// databases that index them. Producers wrap each event in a versioned binary
// envelope and publish it onto a per-network topic exchange; dispatchers
// consume the resulting queues and hand every decoded envelope to an
// idempotent write handler, so redelivered or reordered events converge on
// the same stored state.
//
// # Topology
//
// Every network owns one exchange, chainflow.<network>.events. Each data
// category is published under <network>.<category> for live traffic and
// <network>.<category>.backfill for historical replays. Consumers run in one
// or both startup modes:
//   - normal: one live queue per category.
//   - all: one live queue plus one backfill queue per category. The backfill
//     queue asks the chain source for history, drains it, and stops once the
//     chain source publishes the backfill-complete sentinel.
//
// Every queue has a paired dead-letter queue, <queue>.dlq.
//
// # Delivery outcomes
//
// A delivery is acknowledged after a successful write, requeued with
// backoff after a transient failure, and dead-lettered after a decode
// failure, a fatal write failure, or once the retry limit is exhausted.
//
// # Transports and stores
//
// RabbitMQ is the production broker; the channel transport runs the whole
// topology in process for tests and local work. Stores are selected by URL:
// postgres://, sqlite:// or memory://.
//
// Service wires a transport, a store, the producer and one dispatcher per
// startup mode; Start declares the topology and consumes until the context
// is cancelled.
package chainflow
