/*
Package rabbitmq provides a RabbitMQ transport for the courier.
Each address is a durable queue fed through the default exchange; events go to a topic
exchange. It includes an auto-reconnect publisher and supports optional header propagation
via a bus.HeaderPropagator.
*/
package rabbitmq
