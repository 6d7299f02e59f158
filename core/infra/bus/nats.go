package bus

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/cordum/ckptpub/core/infra/logging"
	"github.com/cordum/ckptpub/core/infra/retry"
	"github.com/nats-io/nats.go"
)

// NatsBus announces committed checkpoints over NATS.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

const (
	envUseJetStream = "CKPTPUB_NATS_JETSTREAM"
	envJSAckWait    = "CKPTPUB_NATS_JS_ACK_WAIT"
	envJSMaxAge     = "CKPTPUB_NATS_JS_MAX_AGE"

	defaultAckWait = time.Minute
	defaultMaxAge  = 30 * 24 * time.Hour

	streamCommits = "CKPTPUB_COMMITS"
	component     = "bus"
)

var (
	errNilBus       = errors.New("nats bus not initialized")
	errEmptySubject = errors.New("empty subject")
	errNilHandler   = errors.New("nil handler")
)

// NewNatsBus dials NATS at url. JetStream is used when CKPTPUB_NATS_JETSTREAM
// is set and the server supports it.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("ckptpub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn(component, "disconnected from nats", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info(component, "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info(component, "connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close drains pending publishes and closes the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// PublishCheckpoint announces c on its job subject. With JetStream the
// message id is derived from the remote path and content hash, so a replayed
// announcement is dropped by the server.
func (b *NatsBus) PublishCheckpoint(c Checkpoint) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	subject := SubjectForJob(c.Job)
	if subject == "" {
		return errEmptySubject
	}
	data, err := EncodeCheckpoint(c)
	if err != nil {
		return err
	}
	if b.jsEnabled {
		if id := msgID(c); id != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(id))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// SubscribeCheckpoints delivers announcements for job, or for every job when
// job is blank. Under JetStream a handler error marked retryable naks the
// message; any other error acks it.
func (b *NatsBus) SubscribeCheckpoints(job string, handler func(Checkpoint) error) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if handler == nil {
		return nil, errNilHandler
	}
	subject := SubjectAll
	if strings.TrimSpace(job) != "" {
		subject = SubjectForJob(job)
	}

	if b.jsEnabled {
		cb := func(msg *nats.Msg) {
			c, err := DecodeCheckpoint(msg.Data)
			if err != nil {
				logging.Warn(component, "dropping undecodable checkpoint", "subject", msg.Subject, "err", err)
				_ = msg.Ack()
				return
			}
			if err := handler(c); err != nil {
				if delay, ok := retry.RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				logging.Warn(component, "handler error (ack)", "subject", msg.Subject, "err", err)
			}
			_ = msg.Ack()
		}
		return b.js.Subscribe(subject, cb,
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.DeliverNew(),
		)
	}

	return b.nc.Subscribe(subject, func(msg *nats.Msg) {
		c, err := DecodeCheckpoint(msg.Data)
		if err != nil {
			logging.Warn(component, "dropping undecodable checkpoint", "subject", msg.Subject, "err", err)
			return
		}
		if err := handler(c); err != nil {
			logging.Warn(component, "handler error", "subject", msg.Subject, "err", err)
		}
	})
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func initJetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !initJetStreamEnabled() {
		return
	}
	ackWait := parseDurationEnv(envJSAckWait, defaultAckWait)
	maxAge := parseDurationEnv(envJSMaxAge, defaultMaxAge)

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn(component, "jetstream init failed", "err", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn(component, "jetstream not available", "err", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamCommits,
		Subjects:   []string{SubjectAll},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// The stream may already exist.
		if _, infoErr := js.StreamInfo(streamCommits); infoErr != nil {
			logging.Warn(component, "jetstream ensure stream failed", "stream", streamCommits, "err", err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info(component, "jetstream enabled", "stream", streamCommits, "ack_wait", ackWait, "max_age", maxAge)
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
