// Package bridge feeds operations published over MQTT into relay rooms,
// acting as a host that is not connected over WebSocket.
package bridge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

// Subscriber is the part of Client the bridge uses.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Ingester folds operations into a room and fans them out.
type Ingester interface {
	IngestOps(room string, ops []protocol.Operation) (uint64, []protocol.Operation)
}

// Bridge subscribes to <prefix>/+/ops. The middle topic segment is the
// room key.
type Bridge struct {
	sub    Subscriber
	ingest Ingester
	prefix string
	qos    byte
	log    *zap.Logger
}

func New(sub Subscriber, ingest Ingester, prefix string, qos byte, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		sub:    sub,
		ingest: ingest,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		log:    log,
	}
}

func (b *Bridge) Topic() string {
	return b.prefix + "/+/ops"
}

// Start subscribes and blocks until ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.sub.Subscribe(b.Topic(), b.qos, b.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to ops topic: %w", err)
	}
	b.log.Info("mqtt bridge started", zap.String("topic", b.Topic()))

	<-ctx.Done()
	return nil
}

func (b *Bridge) Stop() {
	if err := b.sub.Unsubscribe(b.Topic()); err != nil {
		b.log.Error("failed to unsubscribe", zap.Error(err))
	}
	b.log.Info("mqtt bridge stopped")
}

func (b *Bridge) handleMessage(topic string, payload []byte) error {
	room, ok := b.roomFromTopic(topic)
	if !ok {
		return fmt.Errorf("invalid topic format: %s", topic)
	}

	ops, err := protocol.ParseOps(payload)
	if err != nil {
		b.log.Debug("dropping mqtt payload", zap.String("topic", topic), zap.Error(err))
		return err
	}

	seq, applied := b.ingest.IngestOps(room, ops)
	b.log.Debug("ingested mqtt ops",
		zap.String("room", room),
		zap.Int("received", len(ops)),
		zap.Int("applied", len(applied)),
		zap.Uint64("seq", seq))
	return nil
}

func (b *Bridge) roomFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	room, ok := strings.CutSuffix(rest, "/ops")
	if !ok || room == "" || strings.Contains(room, "/") {
		return "", false
	}
	return room, true
}
