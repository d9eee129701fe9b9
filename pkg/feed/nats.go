package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/pairvault/pairvault/pkg/vault"
)

// SubjectPrefix roots every published vault event subject.
const SubjectPrefix = "vault.events"

// Publisher mirrors vault events onto NATS subjects, one subject per event
// type (vault.events.deposit, vault.events.withdraw, ...). It implements
// vault.Sink; publish failures are logged and dropped.
type Publisher struct {
	nc     *nats.Conn
	logger log.Logger
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url string, logger log.Logger) (*Publisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	logger.Info("NATS publisher connected", "url", url)
	return &Publisher{nc: nc, logger: logger}, nil
}

// Subject returns the NATS subject for an event type.
func Subject(t vault.EventType) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, t)
}

// OnEvent publishes the event as JSON.
func (p *Publisher) OnEvent(ev vault.Event) {
	msg := Message{
		Type:      string(ev.Type()),
		Data:      ev,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal NATS message", "type", ev.Type(), "error", err)
		return
	}
	if err := p.nc.Publish(Subject(ev.Type()), data); err != nil {
		p.logger.Error("Failed to publish event", "subject", Subject(ev.Type()), "error", err)
	}
}

// Close flushes and drops the connection.
func (p *Publisher) Close() {
	if err := p.nc.Flush(); err != nil {
		p.logger.Warn("NATS flush failed", "error", err)
	}
	p.nc.Close()
}
