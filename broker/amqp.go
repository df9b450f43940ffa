package broker

import (
	"context"
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Producer = &AMQPBroker{}
var _ Consumer = &AMQPBroker{}

const eventExchange string = "parrainage_events"

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupEventExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for events")
	}

	return broker, nil
}

func (a *AMQPBroker) setupEventExchange() error {
	return a.channel.ExchangeDeclare(
		eventExchange, // name
		"direct",      // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// Publish will send the named event to everyone bound to its name
func (a *AMQPBroker) Publish(event Event) error {
	body, err := json.Marshal(&event)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode event into bytes")
	}
	if err := a.channel.Publish(
		eventExchange,
		event.Name,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish event")
	}
	return nil
}

func (a *AMQPBroker) setupQueue(qName string) error {
	_, err := a.channel.QueueDeclare(
		qName,
		true,
		false,
		false,
		false,
		nil,
	)
	return err
}

// Receive will bind the named queue to the given event names and return a
// channel of decoded events. Delivery is at-least-once: messages are only
// acked after they are handed off.
func (a *AMQPBroker) Receive(ctx context.Context, queue string, names ...string) (<-chan Event, error) {
	if err := a.setupQueue(queue); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	for _, name := range names {
		if err := a.channel.QueueBind(
			queue,
			name,
			eventExchange,
			false,
			nil,
		); err != nil {
			return nil, extErrors.Wrap(err, "Cannot bind queue to event name")
		}
	}
	msgChan, err := a.channel.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	rChan := make(chan Event)
	go forwardDeliveries(ctx, msgChan, rChan)
	return rChan, nil
}

// forwardDeliveries decodes deliveries and hands them to the receiver. A
// delivery is acked only once the hand-off succeeds; on cancellation it is
// left unacked so the broker redelivers it.
func forwardDeliveries(ctx context.Context, msgChan <-chan amqp.Delivery, rChan chan<- Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgChan:
			if !ok {
				close(rChan)
				return
			}
			var event Event
			if err := json.Unmarshal(d.Body, &event); err != nil {
				d.Nack(false, false)
				continue
			}
			select {
			case rChan <- event:
				d.Ack(false)
			case <-ctx.Done():
				return
			}
		}
	}
}
