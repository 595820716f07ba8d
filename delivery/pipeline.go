package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

// State is where a delivery attempt has got to.
type State int

const (
	Disconnected State = iota
	ConnectingWiFi
	WiFiUp
	ConnectingBroker
	BrokerUp
	Publishing
	Published
	Failed
	Teardown
)

var stateNames = [...]string{
	"DISCONNECTED", "CONNECTING_WIFI", "WIFI_UP", "CONNECTING_BROKER",
	"BROKER_UP", "PUBLISHING", "PUBLISHED", "FAILED", "TEARDOWN",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Kind classifies a failed delivery. Every kind is recoverable through the
// backlog.
type Kind int

const (
	NoNetwork Kind = iota + 1
	NoBroker
	PublishFailed
)

func (k Kind) String() string {
	switch k {
	case NoNetwork:
		return "no network"
	case NoBroker:
		return "no broker"
	case PublishFailed:
		return "publish failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the delivery error kind of err, or 0.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// CredentialSource supplies the Wi-Fi network to join. An empty SSID means
// the link needs no credentials.
type CredentialSource interface {
	Credentials() (ssid string, password string, err error)
}

type WiFi interface {
	Connect(ctx context.Context, ssid, password string) error
	Disconnect() error
}

type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Session is an established, acknowledged broker connection.
type Session interface {
	Publish(ctx context.Context, m Message) error
	Disconnect()
}

// Drainer is the backlog as seen by the pipeline.
type Drainer interface {
	HasEntries() bool
	Drain(publish func(entry string) error) (int, error)
}

type Config struct {
	Topic          string
	QoS            byte
	WiFiTimeout    time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Result describes a successful delivery.
type Result struct {
	Drained  int
	DrainErr error
}

// Pipeline connects, publishes and always tears the connection down again.
type Pipeline struct {
	cfg       Config
	creds     CredentialSource
	wifi      WiFi
	connector Connector
	backlog   Drainer

	// OnNetworkUp runs once the network is joined, before the broker is
	// contacted. Used for time sync.
	OnNetworkUp func(ctx context.Context)

	state   State
	history []State
	log     *logger.Entry
}

func NewPipeline(cfg Config, creds CredentialSource, wifi WiFi, connector Connector, backlog Drainer) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		creds:     creds,
		wifi:      wifi,
		connector: connector,
		backlog:   backlog,
		log:       logger.WithField("subsystem", "delivery"),
	}
}

func (p *Pipeline) State() State {
	return p.state
}

// History lists the states passed through by the last attempt.
func (p *Pipeline) History() []State {
	return append([]State(nil), p.history...)
}

func (p *Pipeline) setState(s State) {
	p.state = s
	p.history = append(p.history, s)
	p.log.Debugf("Delivery state [%v]", s)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// session runs fn over a fresh connection. Teardown happens exactly once
// whatever step fails.
func (p *Pipeline) session(ctx context.Context, fn func(ctx context.Context, s Session) error) (err error) {
	p.history = nil
	p.state = Disconnected
	var sess Session
	defer func() {
		if err != nil {
			p.setState(Failed)
			p.log.Warnf("Delivery failed [%v]", err)
		}
		p.teardown(sess)
	}()

	p.setState(ConnectingWiFi)
	ssid, password, err := p.creds.Credentials()
	if err != nil {
		return &Error{Kind: NoNetwork, Err: errors.Wrap(err, "credentials")}
	}
	wctx, cancel := withTimeout(ctx, p.cfg.WiFiTimeout)
	err = p.wifi.Connect(wctx, ssid, password)
	cancel()
	if err != nil {
		return &Error{Kind: NoNetwork, Err: err}
	}
	p.setState(WiFiUp)
	if p.OnNetworkUp != nil {
		p.OnNetworkUp(ctx)
	}

	p.setState(ConnectingBroker)
	bctx, cancel := withTimeout(ctx, p.cfg.ConnectTimeout)
	sess, err = p.connector.Connect(bctx)
	cancel()
	if err != nil {
		sess = nil
		return &Error{Kind: NoBroker, Err: err}
	}
	p.setState(BrokerUp)

	p.setState(Publishing)
	if err = fn(ctx, sess); err != nil {
		return &Error{Kind: PublishFailed, Err: err}
	}
	p.setState(Published)
	return nil
}

func (p *Pipeline) teardown(sess Session) {
	p.setState(Teardown)
	if sess != nil {
		sess.Disconnect()
	}
	if err := p.wifi.Disconnect(); err != nil {
		p.log.Errorf("Failed to disconnect network [%v]", err)
	}
	p.setState(Disconnected)
}

func (p *Pipeline) publish(ctx context.Context, s Session, m Message) error {
	pctx, cancel := withTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	return s.Publish(pctx, m)
}

// Deliver publishes payload and then drains the backlog over the same
// session. A backlog failure does not fail the delivery.
func (p *Pipeline) Deliver(ctx context.Context, payload []byte) (Result, error) {
	var res Result
	err := p.session(ctx, func(ctx context.Context, s Session) error {
		if err := p.publish(ctx, s, Message{Topic: p.cfg.Topic, Payload: payload, QoS: p.cfg.QoS}); err != nil {
			return err
		}
		p.log.Infof("Published reading to [%v]", p.cfg.Topic)
		if p.backlog == nil || !p.backlog.HasEntries() {
			return nil
		}
		res.Drained, res.DrainErr = p.backlog.Drain(func(entry string) error {
			return p.publish(ctx, s, Message{Topic: p.cfg.Topic, Payload: []byte(entry), QoS: p.cfg.QoS})
		})
		if res.DrainErr != nil {
			p.log.Warnf("Backlog drain stopped after [%d] entries [%v]", res.Drained, res.DrainErr)
		}
		return nil
	})
	return res, err
}

// Announce publishes msgs, normally retained discovery configs, in order.
func (p *Pipeline) Announce(ctx context.Context, msgs []Message) error {
	return p.session(ctx, func(ctx context.Context, s Session) error {
		for _, m := range msgs {
			if err := p.publish(ctx, s, m); err != nil {
				return errors.Wrapf(err, "announce [%v]", m.Topic)
			}
		}
		p.log.Infof("Announced [%d] messages", len(msgs))
		return nil
	})
}
