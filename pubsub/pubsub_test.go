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

package pubsub

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/context"
	"hl7_listener/hl7"
	"hl7_listener/monitoring"
	"hl7_listener/testingutil"
	"cloud.google.com/go/pubsub"
)

const oruText = "MSH|^~\\&|A|B|C|D|20240101000000||ORU^R01|CTRL1|P|2.4\rPID|1||PATIENT1\r"

type fakeResult struct {
	id  string
	err error
}

func (r fakeResult) Get(ctx context.Context) (string, error) {
	return r.id, r.err
}

type fakeTopic struct {
	published []*pubsub.Message
	err       error
	stopped   bool
}

func (f *fakeTopic) Publish(ctx context.Context, msg *pubsub.Message) result {
	if f.err != nil {
		return fakeResult{err: f.err}
	}
	f.published = append(f.published, msg)
	return fakeResult{id: "1"}
}

func (f *fakeTopic) Stop() {
	f.stopped = true
}

func mustParse(t *testing.T, text string) *hl7.Message {
	t.Helper()
	msg, err := hl7.Parse(text)
	if err != nil {
		t.Fatalf("hl7.Parse: %v", err)
	}
	return msg
}

func TestRoute(t *testing.T) {
	topic := &fakeTopic{}
	mt := monitoring.NewClient()
	p := newPublisher(topic, mt)

	if out := p.Route(mustParse(t, oruText)); out.Err != nil {
		t.Fatalf("Route: %v", out.Err)
	}
	if len(topic.published) != 1 {
		t.Fatalf("Published %v messages, want 1", len(topic.published))
	}
	got := topic.published[0]
	if string(got.Data) != oruText {
		t.Errorf("Published data %q, want %q", got.Data, oruText)
	}
	wantAttrs := map[string]string{
		"message_type":  "ORU",
		"trigger_event": "R01",
		"control_id":    "CTRL1",
	}
	if diff := cmp.Diff(wantAttrs, got.Attributes); diff != "" {
		t.Errorf("Attributes mismatch (-want +got):\n%s", diff)
	}
	testingutil.CheckMetrics(t, mt, map[string]int64{publishedMetric: 1, publishErrorMetric: 0})
}

func TestRouteError(t *testing.T) {
	topic := &fakeTopic{err: errors.New("unavailable")}
	mt := monitoring.NewClient()
	p := newPublisher(topic, mt)

	out := p.Route(mustParse(t, oruText))
	if out.Err == nil {
		t.Fatalf("Expected publish error")
	}
	if out.Code != "" {
		t.Errorf("Route code = %q, want none", out.Code)
	}
	testingutil.CheckMetrics(t, mt, map[string]int64{publishedMetric: 0, publishErrorMetric: 1})
}

func TestClose(t *testing.T) {
	topic := &fakeTopic{}
	p := newPublisher(topic, nil)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !topic.stopped {
		t.Errorf("Topic was not stopped")
	}
}
