package tradelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultSubject = "paper.fills"

// Publisher is the part of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes every record as JSON on <subject>.<account>.<symbol> so
// strategy processes and dashboards can follow fills live.
type NATS struct {
	publisher Publisher
	subject   string
	closer    func()
}

func NewNATS(publisher Publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{publisher: publisher, subject: subject}
}

// ConnectNATS dials the server and returns a sink that drains the
// connection on Close.
func ConnectNATS(url, subject string, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("paperperp"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	n := NewNATS(nc, subject)
	n.closer = func() { _ = nc.Drain() }
	return n, nil
}

type natsPayload struct {
	Record
	Side string `json:"side"`
	Type string `json:"type"`
}

func (n *NATS) Write(_ context.Context, r Record) error {
	data, err := json.Marshal(natsPayload{Record: r, Side: r.Side.String(), Type: r.Type.String()})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := n.publisher.Publish(n.Subject(r), data); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

func (n *NATS) Subject(r Record) string {
	account := r.Account
	if account == "" {
		account = "default"
	}
	return fmt.Sprintf("%s.%s.%s", n.subject, account, r.Symbol)
}

func (n *NATS) Close() error {
	if n.closer != nil {
		n.closer()
		n.closer = nil
	}
	return nil
}
