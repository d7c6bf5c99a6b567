package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/roadside/core/metrics"
	"github.com/kilianp07/roadside/core/model"
	"github.com/kilianp07/roadside/infra/logger"
)

// InfluxSink writes job lifecycle events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the HTTP client.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordTransition writes one job_transition point.
func (s *InfluxSink) RecordTransition(ev coremetrics.TransitionEvent) error {
	p := write.NewPointWithMeasurement("job_transition").
		AddTag("job_id", ev.JobID).
		AddTag("from", ev.From.String()).
		AddTag("to", ev.To.String()).
		AddTag("acknowledged", strconv.FormatBool(ev.Acknowledged)).
		AddField("attempts", ev.Attempts).
		AddField("latency_ms", round3(ev.Latency.Seconds()*1000))
	if ev.Error != "" {
		p = p.AddField("error", ev.Error)
	}
	return s.write(p.SetTime(ev.Time))
}

// RecordOffer writes one job_offer point.
func (s *InfluxSink) RecordOffer(ev coremetrics.OfferEvent) error {
	p := write.NewPointWithMeasurement("job_offer").
		AddTag("offer_id", ev.OfferID).
		AddTag("outcome", ev.Outcome)
	if ev.Service != "" {
		p = p.AddTag("service", string(ev.Service))
	}
	p = p.AddField("price", round3(ev.Price)).SetTime(ev.Time)
	return s.write(p)
}

// RecordJob writes one job_finished point.
func (s *InfluxSink) RecordJob(ev coremetrics.JobEvent) error {
	p := write.NewPointWithMeasurement("job_finished").
		AddTag("job_id", ev.JobID).
		AddTag("service", string(ev.Service)).
		AddTag("outcome", ev.Outcome).
		AddField("price", round3(ev.Price)).
		AddField("duration_s", round3(ev.Duration.Seconds())).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordConnectivity writes one connectivity point.
func (s *InfluxSink) RecordConnectivity(ev coremetrics.ConnectivityEvent) error {
	p := write.NewPointWithMeasurement("connectivity").
		AddTag("state", ev.State.String()).
		AddField("lost", ev.Lost).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordPosition writes one worker_position point.
func (s *InfluxSink) RecordPosition(workerID string, pos model.Position) error {
	p := write.NewPointWithMeasurement("worker_position").
		AddTag("worker_id", workerID).
		AddField("lat", pos.Lat).
		AddField("lng", pos.Lng).
		AddField("accuracy", round3(pos.Accuracy)).
		SetTime(pos.Timestamp)
	return s.write(p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
