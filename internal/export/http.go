// internal/export/http.go
package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
	"github.com/sua-org/meter-eye/internal/metrics"
)

const (
	httpQueueCapacity = 1000
	httpRetryCap      = 60 * time.Second
)

// HTTPSink batches emissions and POSTs them as a JSON array. A batch
// ships when it reaches batch_size or interval_seconds after its first
// item, whichever comes first. 5xx and network failures retry with
// exponential backoff preserving the batch; 4xx drops it.
type HTTPSink struct {
	cfg    config.HTTPExportConfig
	queue  *emissionQueue
	client *resty.Client
	log    *zap.Logger
	wg     sync.WaitGroup
}

func NewHTTPSink(cfg config.HTTPExportConfig, log *zap.Logger) *HTTPSink {
	return &HTTPSink{
		cfg:   cfg,
		queue: newEmissionQueue("http", httpQueueCapacity),
		log:   log.With(zap.String("sink", "http")),
	}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("http sink: no url configured")
	}
	s.client = resty.New().
		SetTimeout(time.Duration(s.cfg.TimeoutSeconds*float64(time.Second))).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "MeterEye/1.0").
		SetHeaders(s.cfg.Headers)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *HTTPSink) Submit(em core.Emission) { s.queue.submitMetered(em) }

func (s *HTTPSink) run(ctx context.Context) {
	defer s.wg.Done()

	var batch []core.Emission
	var batchStart time.Time
	interval := time.Duration(s.cfg.IntervalSeconds * float64(time.Second))

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		s.send(ctx, batch)
		batch = nil
	}

	for {
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case em := <-s.queue.ch:
				batch = append(batch, em)
				batchStart = time.Now()
				if len(batch) >= s.cfg.BatchSize {
					flushBatch()
				}
			}
			continue
		}

		wait := interval - time.Since(batchStart)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			flushBatch()
			return
		case em := <-s.queue.ch:
			timer.Stop()
			batch = append(batch, em)
			if len(batch) >= s.cfg.BatchSize {
				flushBatch()
			}
		case <-timer.C:
			flushBatch()
		}
	}
}

// send POSTs one batch, retrying transient failures until the context
// ends. Permanent failures (4xx) drop the batch.
func (s *HTTPSink) send(ctx context.Context, batch []core.Emission) {
	payload := make([]interface{}, 0, len(batch))
	for _, em := range batch {
		if em.Reading != nil {
			payload = append(payload, em.Reading)
		} else if em.Indicator != nil {
			payload = append(payload, em.Indicator)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = httpRetryCap
	bo.MaxElapsedTime = 0

	for {
		resp, err := s.client.R().SetContext(ctx).SetBody(payload).Post(s.cfg.URL)
		switch {
		case err == nil && resp.StatusCode() < 300:
			return
		case err == nil && resp.StatusCode() >= 400 && resp.StatusCode() < 500:
			metrics.SinkErrors.WithLabelValues("http").Inc()
			s.log.Warn("permanent export failure, dropping batch",
				zap.Int("status", resp.StatusCode()),
				zap.Int("batch", len(batch)))
			return
		default:
			metrics.SinkErrors.WithLabelValues("http").Inc()
			delay := bo.NextBackOff()
			if err != nil {
				s.log.Warn("export failed, retrying",
					zap.Error(err), zap.Duration("retry_in", delay))
			} else {
				s.log.Warn("export failed, retrying",
					zap.Int("status", resp.StatusCode()), zap.Duration("retry_in", delay))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// Flush drains whatever is queued into one last best-effort POST.
func (s *HTTPSink) Flush() {
	var batch []core.Emission
	for {
		select {
		case em := <-s.queue.ch:
			batch = append(batch, em)
		default:
			if len(batch) > 0 && s.client != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.send(ctx, batch)
				cancel()
			}
			return
		}
	}
}

func (s *HTTPSink) Stop() { s.wg.Wait() }
