package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DirectExchange routes sends and replies to the queue bound under the
	// routing key's name
	DirectExchange = "messagebus.direct"
	// TopicExchange routes published messages by message type
	TopicExchange = "messagebus.topics"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// SessionTopology is the topology a session needs before it consumes:
// both exchanges, the durable input queue, and the input queue's binding on
// the direct exchange
func SessionTopology(inputQueue string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: DirectExchange, Type: amqp.ExchangeDirect, Durable: true},
			{Name: TopicExchange, Type: amqp.ExchangeTopic, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: inputQueue, Durable: true},
		},
		Bindings: []Binding{
			{Queue: inputQueue, Exchange: DirectExchange, RoutingKey: inputQueue},
		},
	}
}

// TopicBinding binds the input queue to a message type on the topic exchange
func TopicBinding(inputQueue, messageType string) Binding {
	return Binding{Queue: inputQueue, Exchange: TopicExchange, RoutingKey: messageType}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return topologyError("exchange", exchange.Name, "declare", err)
			}
		}

		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return topologyError("queue", queue.Name, "declare", err)
			}
		}

		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return topologyError("binding", binding.Queue+"->"+binding.Exchange, "create", err)
			}
		}

		return nil
	})
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := bindQueue(ch, binding); err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "create", err)
		}
		return nil
	})
}

// UnbindQueue removes a queue binding
func (tm *TopologyManager) UnbindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		err := ch.QueueUnbind(binding.Queue, binding.RoutingKey, binding.Exchange, binding.Arguments)
		if err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "remove", err)
		}
		return nil
	})
}

// GetQueueInfo retrieves queue information
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	return q, err
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
