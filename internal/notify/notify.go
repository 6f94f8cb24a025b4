// Package notify posts short session milestones to a messaging topic.
// Notifications are best-effort: an unreachable broker costs a warning in
// the debug log and nothing else.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gatehouse/internal/logging"
)

// Milestone kinds posted by the router.
const (
	KindSessionStart     = "session_start"
	KindSessionStop      = "session_stop"
	KindTaskBound        = "task_bound"
	KindTaskReleased     = "task_released"
	KindSubagentComplete = "subagent_complete"
)

// Message is the wire payload for one milestone.
type Message struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// Notifier publishes milestones to one topic. A Notifier with an empty
// topic is valid and silently drops everything.
type Notifier struct {
	topic string
	url   string
	log   *logging.Logger

	mu   sync.Mutex
	conn *nats.Conn
}

// New builds a Notifier. url may be empty for the client default.
func New(topic, url string, log *logging.Logger) *Notifier {
	if log == nil {
		log = logging.Nop()
	}
	return &Notifier{topic: topic, url: url, log: log}
}

// Enabled reports whether a topic is configured.
func (n *Notifier) Enabled() bool { return n.topic != "" }

// Post publishes one milestone. Failures are logged and swallowed; the
// hook reply must not depend on the broker being up.
func (n *Notifier) Post(kind, sessionID, body string) {
	if !n.Enabled() {
		return
	}

	conn, err := n.connect()
	if err != nil {
		n.log.Warn("notification broker unreachable",
			zap.String("kind", kind),
			zap.Error(err))
		return
	}

	data, err := json.Marshal(Message{
		Kind:      kind,
		SessionID: sessionID,
		Body:      body,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		n.log.Warn("notification marshal failed", zap.Error(err))
		return
	}

	if err := conn.Publish(n.topic, data); err != nil {
		n.log.Warn("notification publish failed",
			zap.String("topic", n.topic),
			zap.String("kind", kind),
			zap.Error(err))
		return
	}
	// The hook process exits right after the reply; unflushed messages
	// would die with it.
	if err := conn.Flush(); err != nil {
		n.log.Warn("notification flush failed", zap.Error(err))
		return
	}

	n.log.Debug("notification posted",
		zap.String("topic", n.topic),
		zap.String("kind", kind),
		zap.String("session_id", sessionID))
}

// connect dials lazily. Hook processes are short-lived, so the dial is
// bounded and never retried.
func (n *Notifier) connect() (*nats.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil && n.conn.IsConnected() {
		return n.conn, nil
	}

	url := n.url
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("gatehouse"),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(0),
	)
	if err != nil {
		return nil, err
	}
	n.conn = conn
	return conn, nil
}

// Close drains the connection if one was ever made.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.log.Warn("error draining notification connection", zap.Error(err))
		n.conn.Close()
	}
	n.conn = nil
}
