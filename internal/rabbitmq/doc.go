// Package rabbitmq implements the broker session on top of RabbitMQ.
//
// This package includes:
//   - Connection: a single AMQP connection with close notification
//   - ChannelPool: pooled channels in confirm mode
//   - Publisher: publishing with confirms and short retries
//   - Consumer: input queue consumption with ack/nack per delivery
//   - TopologyManager: exchanges, queues, and bindings
//   - Session: the messaging.Session assembled from the pieces above
//
// Reconnection is not handled here. A lost connection is reported through
// NotifyClose and the connection supervisor opens a new Session.
//
// Topology: requests and replies are sent through the direct exchange
// "messagebus.direct", where every input queue is bound under its own name.
// Published messages go through the topic exchange "messagebus.topics"
// with the message type as routing key.
package rabbitmq
