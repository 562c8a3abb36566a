package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ernie/deathwatch/internal/domain"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the NATS subject namespace outcomes publish under;
// the outcome type is appended, e.g. deathwatch.outcome.death_detected.
const SubjectPrefix = "deathwatch.outcome."

const readyTimeout = 5 * time.Second

// Publisher runs an embedded NATS server on the loopback interface and
// publishes outcomes to it, so collaborator processes (chat bots, voice
// enforcement, dashboards) subscribe without this process knowing them.
type Publisher struct {
	srv  *server.Server
	conn *nats.Conn
}

// NewPublisher starts the embedded server on the given loopback port
// (0 picks a random free port) and connects to it.
func NewPublisher(port int) (*Publisher, error) {
	if port == 0 {
		port = server.RANDOM_PORT
	}
	srv, err := server.NewServer(&server.Options{
		Host:       "127.0.0.1",
		Port:       port,
		NoSigs:     true,
		NoLog:      true,
		MaxPayload: 1 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", readyTimeout)
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connecting to embedded nats server: %w", err)
	}
	return &Publisher{srv: srv, conn: conn}, nil
}

// ClientURL returns the URL collaborators connect to.
func (p *Publisher) ClientURL() string { return p.srv.ClientURL() }

// Publish sends one outcome as JSON on its type-specific subject.
func (p *Publisher) Publish(outcome domain.Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	if err := p.conn.Publish(SubjectPrefix+outcome.Type, data); err != nil {
		return fmt.Errorf("publishing outcome: %w", err)
	}
	return nil
}

// Close drains the connection and shuts the embedded server down.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
	if p.srv != nil {
		p.srv.Shutdown()
		p.srv.WaitForShutdown()
	}
}
