// Package mqtt relays worker positions to a fleet telemetry broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/roadside/core/factory"
	"github.com/kilianp07/roadside/core/location"
	"github.com/kilianp07/roadside/core/logger"
	"github.com/kilianp07/roadside/core/model"
	coremon "github.com/kilianp07/roadside/core/monitoring"
	infralog "github.com/kilianp07/roadside/infra/logger"
)

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// locationMessage is the payload published on <prefix>/<worker>/location.
type locationMessage struct {
	WorkerID  string   `json:"worker_id"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  float64  `json:"accuracy"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Relay publishes positions with retries. When an LWT topic is configured
// the broker announces the configured payload ("offline" by default) if the
// worker vanishes, and the relay publishes "online" on connect.
type Relay struct {
	cli    pahoClient
	cfg    Config
	logger logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRelay connects to the broker.
func NewRelay(cfg Config) (*Relay, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	log := infralog.New("mqtt_relay")
	r := &Relay{cfg: cfg, logger: log, sleep: sleepCtx}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if cfg.LWTTopic != "" {
			c.Publish(cfg.LWTTopic, cfg.LWTQoS, cfg.LWTRetain, "online")
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	r.cli = c
	return r, nil
}

// Topic returns the location topic of workerID.
func (r *Relay) Topic(workerID string) string {
	return fmt.Sprintf("%s/%s/location", r.cfg.prefix(), workerID)
}

// PublishPosition publishes p, retrying with exponential backoff. The last
// error is reported to the error monitor.
func (r *Relay) PublishPosition(ctx context.Context, workerID string, p model.Position) error {
	payload, err := json.Marshal(locationMessage{
		WorkerID:  workerID,
		Lat:       p.Lat,
		Lng:       p.Lng,
		Accuracy:  p.Accuracy,
		Heading:   p.Heading,
		Speed:     p.Speed,
		Timestamp: p.Timestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}
	topic := r.Topic(workerID)
	qos := r.cfg.QoS["location"]

	var publishErr error
	retries := r.cfg.retries()
	for attempt := 0; attempt <= retries; attempt++ {
		token := r.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			r.logger.Debugf("published position of %s to %s", workerID, topic)
			return nil
		}
		r.logger.Warnf("publish attempt %d failed: %v", attempt+1, publishErr)
		if attempt == retries {
			break
		}
		if err := r.sleep(ctx, r.cfg.backoff()*time.Duration(1<<attempt)); err != nil {
			publishErr = err
			break
		}
	}
	coremon.CaptureException(publishErr, map[string]string{"worker_id": workerID, "module": "mqtt"})
	return fmt.Errorf("mqtt publish %s: %w", topic, publishErr)
}

// Close announces the worker offline and disconnects.
func (r *Relay) Close() error {
	if r.cli == nil || !r.cli.IsConnected() {
		return nil
	}
	if r.cfg.LWTTopic != "" {
		r.cli.Publish(r.cfg.LWTTopic, r.cfg.LWTQoS, r.cfg.LWTRetain, r.cfg.lwtPayload()).WaitTimeout(time.Second)
	}
	r.cli.Disconnect(250)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func init() {
	_ = location.RegisterRelay("mqtt", func(conf map[string]any) (location.Relay, error) {
		var c Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewRelay(c)
	})
}
