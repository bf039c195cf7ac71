package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"tripcast/internal/trip"
)

const DefaultSubjectPrefix = "trips"

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher fans merged trip status and ETA boards out to NATS so other
// services can follow trips without holding a websocket.
type NATSPublisher struct {
	nc          *nats.Conn
	conn        Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("tripcast"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			slog.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := New(nc, prefix, logSubjects, m)
	p.nc = nc
	return p, nil
}

// New wraps an existing connection.
func New(conn Conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// StatusSubject is where merged status of tripID is published.
func (p *NATSPublisher) StatusSubject(tripID string) string {
	return fmt.Sprintf("%s.%s", p.prefix, subjectToken(tripID))
}

// ETASubject is where the ETA board of tripID is published.
func (p *NATSPublisher) ETASubject(tripID string) string {
	return p.StatusSubject(tripID) + ".eta"
}

// TripUpdated publishes the merged status after every accepted publish.
// Failures are logged; the registry never waits on NATS.
func (p *NATSPublisher) TripUpdated(_, next trip.Trip) {
	if err := p.publishJSON(p.StatusSubject(next.TripID), next); err != nil {
		slog.Warn("nats status publish failed", "trip", next.TripID, "err", err)
	}
}

type ETAMessage struct {
	TripID    string          `json:"tripId"`
	Timestamp time.Time       `json:"timestamp"`
	Estimates []trip.ETAEntry `json:"estimates"`
}

func (p *NATSPublisher) PublishETA(tripID string, entries []trip.ETAEntry) error {
	return p.publishJSON(p.ETASubject(tripID), ETAMessage{
		TripID:    tripID,
		Timestamp: time.Now().UTC(),
		Estimates: entries,
	})
}

func (p *NATSPublisher) publishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		slog.Debug("nats publish", "subject", subject, "bytes", len(b))
	}
	start := time.Now()
	err = p.conn.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
