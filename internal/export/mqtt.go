// internal/export/mqtt.go
package export

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
	"github.com/sua-org/meter-eye/internal/metrics"
	"github.com/sua-org/meter-eye/internal/mqttclient"
)

// mqttQueueCapacity bounds pending messages while the broker is away;
// overflow sheds the oldest.
const mqttQueueCapacity = 1000

// MQTTSink publishes one message per emission. The topic comes from
// topic_template with {camera_id} and {meter_id} / {indicator_id}
// substituted.
type MQTTSink struct {
	cfg    config.MQTTExportConfig
	queue  *emissionQueue
	client *mqttclient.Client
	log    *zap.Logger
	wg     sync.WaitGroup
}

func NewMQTTSink(cfg config.MQTTExportConfig, log *zap.Logger) *MQTTSink {
	return &MQTTSink{
		cfg:   cfg,
		queue: newEmissionQueue("mqtt", mqttQueueCapacity),
		log:   log.With(zap.String("sink", "mqtt")),
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Start(ctx context.Context) error {
	cli, err := mqttclient.NewClient(s.cfg, "metereye-export", func(err error) {
		s.log.Warn("broker connection lost", zap.Error(err))
	})
	if err != nil {
		return err
	}
	s.client = cli
	s.log.Info("connected to broker",
		zap.String("broker", s.cfg.Broker), zap.Int("port", s.cfg.Port))

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *MQTTSink) Submit(em core.Emission) { s.queue.submitMetered(em) }

func (s *MQTTSink) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case em := <-s.queue.ch:
			s.publish(ctx, em)
		}
	}
}

// publish sends one emission, waiting out broker reconnects with
// exponential backoff. paho handles the reconnect itself; we just
// hold the message until the client reports connected again.
func (s *MQTTSink) publish(ctx context.Context, em core.Emission) {
	topic, payload, err := s.encode(em)
	if err != nil {
		s.log.Warn("encode failed", zap.Error(err))
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if s.client.IsConnected() {
			err := s.client.Publish(topic, byte(s.cfg.QoS), false, payload)
			if err == nil {
				return
			}
			metrics.SinkErrors.WithLabelValues("mqtt").Inc()
			s.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		} else {
			metrics.SinkErrors.WithLabelValues("mqtt").Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (s *MQTTSink) encode(em core.Emission) (topic string, payload []byte, err error) {
	topic = s.cfg.TopicTemplate
	switch {
	case em.Reading != nil:
		topic = strings.ReplaceAll(topic, "{camera_id}", em.Reading.CameraID)
		topic = strings.ReplaceAll(topic, "{meter_id}", em.Reading.MeterID)
		payload, err = json.Marshal(em.Reading)
	case em.Indicator != nil:
		topic = strings.ReplaceAll(topic, "{camera_id}", em.Indicator.CameraID)
		topic = strings.ReplaceAll(topic, "{indicator_id}", em.Indicator.IndicatorID)
		payload, err = json.Marshal(em.Indicator)
	}
	return topic, payload, err
}

// Flush publishes whatever is still queued, best effort.
func (s *MQTTSink) Flush() {
	if s.client == nil {
		return
	}
	for {
		select {
		case em := <-s.queue.ch:
			topic, payload, err := s.encode(em)
			if err != nil {
				continue
			}
			if s.client.IsConnected() {
				s.client.Publish(topic, byte(s.cfg.QoS), false, payload)
			}
		default:
			return
		}
	}
}

func (s *MQTTSink) Stop() {
	s.wg.Wait()
	if s.client != nil {
		s.client.Close()
	}
}
