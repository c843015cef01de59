// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitoring keeps cumulative counters for the listener and can export
// them to the Cloud Monitoring service.
package monitoring

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/compute/metadata"
	monitoring "cloud.google.com/go/monitoring/apiv3/v2"
	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	log "github.com/golang/glog"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/net/context"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/timestamppb"

	goauth2 "golang.org/x/oauth2/google"
	metricpb "google.golang.org/genproto/googleapis/api/metric"
	monitoredrespb "google.golang.org/genproto/googleapis/api/monitoredres"
)

const (
	metricTypePrefix = "custom.googleapis.com/hl7_listener/"
	jobName          = "hl7_listener"
)

// timeNow is used for testing.
var timeNow = time.Now

type metricClient interface {
	CreateTimeSeries(ctx context.Context, req *monitoringpb.CreateTimeSeriesRequest, opts ...gax.CallOption) error
	Close() error
}

// NewClient returns a client that can be used for creating, incrementing, and
// retrieving metrics but not for exporting them.
func NewClient() *Client {
	return &Client{metrics: make(map[string]*metric), labels: make(map[string]string)}
}

// ConfigureExport prepares a Client for exporting metrics. It fetches metadata
// about the GCP environment and fails if not running on GCE or GKE.
func ConfigureExport(ctx context.Context, cl *Client) error {
	if !metadata.OnGCE() {
		return fmt.Errorf("not running on GCE - metrics cannot be exported")
	}
	ts, err := goauth2.DefaultTokenSource(ctx, monitoring.DefaultAuthScopes()...)
	if err != nil {
		return fmt.Errorf("getting default token source: %w", err)
	}
	if cl.client, err = monitoring.NewMetricClient(ctx, option.WithTokenSource(ts)); err != nil {
		return fmt.Errorf("creating metric client: %w", err)
	}
	if cl.projectID, err = metadata.ProjectID(); err != nil {
		return fmt.Errorf("reading project ID: %w", err)
	}
	if cl.labels["zone"], err = metadata.Zone(); err != nil {
		return fmt.Errorf("reading zone: %w", err)
	}
	if cl.labels["instance"], err = metadata.InstanceName(); err != nil {
		return fmt.Errorf("reading instance name: %w", err)
	}
	cl.labels["job"] = jobName
	return nil
}

// Client exports metrics to the Cloud Monitoring Service. A nil *Client is
// valid and records nothing.
type Client struct {
	client    metricClient
	projectID string
	labels    map[string]string

	// mu guards metrics.  The other fields are immutable
	mu      sync.RWMutex
	metrics map[string]*metric
}

// Inc increments a metric or does nothing if the client is nil.
func (m *Client) Inc(name string) {
	m.Add(name, 1)
}

// Add adds delta to a metric or does nothing if the client is nil. Metrics
// that were never created with NewInt64 are created on first use.
func (m *Client) Add(name string, delta int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.metrics[name]
	if !ok {
		v = &metric{startTime: timestamppb.New(timeNow())}
		m.metrics[name] = v
	}
	v.value += delta
}

// Value gets the value of a metric or returns 0 if the client is nil.
func (m *Client) Value(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.metrics[name]; ok {
		return v.value
	}
	return 0
}

// NewInt64 creates a new cumulative int64 metric with the given name or does
// nothing if the client is nil.  If the same name is used multiple times, the
// counter restarts from zero.
func (m *Client) NewInt64(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[name] = &metric{startTime: timestamppb.New(timeNow())}
}

// Summary renders all metrics as "name=value" pairs sorted by name, for logs.
func (m *Client) Summary() string {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.metrics))
	for k := range m.metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	s := ""
	for i, k := range names {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%v=%v", k, m.metrics[k].value)
	}
	return s
}

// StartExport sends the metrics to the monitoring service roughly once a minute
// until ctx is done.
func (m *Client) StartExport(ctx context.Context, minStartDelay int, startDelayInterval int) error {
	// Use a variable delay so that processes starting at the same time
	// don't publish data at the same time. The initial delay is between
	// minStartDelay and minStartDelay+startDelayInterval seconds. Then, the
	// delay becomes 1 minute.
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	delay := time.Duration(minStartDelay+r.Intn(startDelayInterval)) * time.Second
	for {
		select {
		case <-time.After(delay):
			delay = time.Minute
		case <-ctx.Done():
			return m.client.Close()
		}
		req := m.makeCreateTimeSeriesRequest()
		if req == nil {
			continue
		}
		if err := m.client.CreateTimeSeries(ctx, req); err != nil {
			log.Errorf("CreateTimeSeries failed: %v", err)
		}
	}
}

func (m *Client) makeCreateTimeSeriesRequest() *monitoringpb.CreateTimeSeriesRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.metrics) == 0 {
		return nil
	}

	now := timestamppb.New(timeNow())
	req := &monitoringpb.CreateTimeSeriesRequest{
		Name: "projects/" + m.projectID,
	}
	names := make([]string, 0, len(m.metrics))
	for k := range m.metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v := m.metrics[k]
		dataPoint := &monitoringpb.Point{
			Interval: &monitoringpb.TimeInterval{
				StartTime: v.startTime,
				EndTime:   now,
			},
			Value: &monitoringpb.TypedValue{
				Value: &monitoringpb.TypedValue_Int64Value{
					Int64Value: v.value,
				},
			},
		}
		ts := &monitoringpb.TimeSeries{
			Metric: &metricpb.Metric{
				Type:   metricTypePrefix + k,
				Labels: m.labels,
			},
			Resource: &monitoredrespb.MonitoredResource{
				Type: "global",
				Labels: map[string]string{
					"project_id": m.projectID,
				},
			},
			MetricKind: metricpb.MetricDescriptor_CUMULATIVE,
			ValueType:  metricpb.MetricDescriptor_INT64,
			Points: []*monitoringpb.Point{
				dataPoint,
			},
		}
		req.TimeSeries = append(req.TimeSeries, ts)
	}
	return req
}

// metric is a numeric value that is exported to the monitoring service.
type metric struct {
	startTime *timestamppb.Timestamp
	value     int64
}
