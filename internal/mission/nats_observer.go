package mission

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"missiongov/internal/logging"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publisher is the slice of *nats.Conn the observer needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSObserver publishes each transition as JSON on
// <prefix>.<tenant>.<mission>.
type NATSObserver struct {
	pub    Publisher
	prefix string
	tracer trace.Tracer
}

// NewNATSObserver returns an observer publishing under prefix.
func NewNATSObserver(pub Publisher, prefix string) *NATSObserver {
	return &NATSObserver{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		tracer: otel.Tracer("missiongov/internal/mission"),
	}
}

// ConnectNATS dials url with reconnects enabled. Callers Drain the
// connection on shutdown.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("missiongov"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Get(logging.CategoryEvents).Warn("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Get(logging.CategoryEvents).Info("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
}

// Subject returns the subject a transition for tenant/mission goes to.
func (o *NATSObserver) Subject(tenantID, missionID string) string {
	return o.prefix + "." + subjectToken(tenantID) + "." + subjectToken(missionID)
}

// OnTransition publishes t. Publish failures are logged and dropped; events
// never hold up the mission.
func (o *NATSObserver) OnTransition(ctx context.Context, t Transition) {
	subject := o.Subject(t.TenantID, t.MissionID)
	_, span := o.tracer.Start(ctx, "mission.publish_transition", trace.WithAttributes(
		attribute.String("messaging.destination", subject),
		attribute.String("mission.status", string(t.To)),
	))
	defer span.End()

	data, err := json.Marshal(t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		logging.Get(logging.CategoryEvents).Error("failed to encode transition for %s: %v", subject, err)
		return
	}
	if err := o.pub.Publish(subject, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		logging.Get(logging.CategoryEvents).Warn("failed to publish transition to %s: %v", subject, err)
		return
	}
	logging.Get(logging.CategoryEvents).Debug("published %s -> %s to %s", t.From, t.To, subject)
}

// subjectToken makes an id safe to use as one NATS subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}
