// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package fanout mirrors mutation events to a RabbitMQ topic exchange so
// other services can consume them without holding an SSE connection open.
// Publishing is best-effort: Publish never dials and never blocks on broker
// recovery, so a flapping broker costs dropped mirror events, not stream
// latency.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/mergechat/chat-api/pkg/stream"
)

const publishTimeout = time.Second

type Publisher struct {
	exchange string
	url      string
	log      zerolog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	reconnecting bool
	closed       bool
}

// NewPublisher connects to the broker and declares a durable topic exchange.
func NewPublisher(log zerolog.Logger, url, exchange string) (*Publisher, error) {
	p := &Publisher{
		exchange: exchange,
		url:      url,
		log:      log.With().Str("component", "fanout").Logger(),
	}
	conn, channel, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.conn = conn
	p.channel = channel
	return p, nil
}

func (p *Publisher) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	err = channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, channel, nil
}

// Publish sends one event with routing key chat.<room_id>.<kind>. While the
// broker is down events are dropped and a single background goroutine
// redials; the caller is never held for the dial.
func (p *Publisher) Publish(ctx context.Context, evt *stream.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to encode event for fan-out")
		return
	}
	routingKey := "chat." + string(evt.RoomID) + "." + string(evt.Kind)

	p.mu.Lock()
	channel := p.channel
	p.mu.Unlock()
	if channel == nil {
		p.reconnectAsync()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("routing_key", routingKey).Msg("Failed to publish event, dropping")
		p.teardown()
		p.reconnectAsync()
	}
}

// reconnectAsync starts at most one background redial.
func (p *Publisher) reconnectAsync() {
	p.mu.Lock()
	if p.reconnecting || p.closed || p.channel != nil {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	go func() {
		conn, channel, err := p.dial()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.reconnecting = false
		if err != nil {
			p.log.Warn().Err(err).Msg("Fan-out broker still unavailable")
			return
		}
		if p.closed {
			conn.Close()
			return
		}
		p.conn = conn
		p.channel = channel
		p.log.Info().Msg("Fan-out broker reconnected")
	}()
}

func (p *Publisher) teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.channel = nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.channel = nil
	return err
}
