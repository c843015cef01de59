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

// Package pubsub publishes received messages to a Cloud Pub/Sub topic.
package pubsub

import (
	"fmt"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/net/context"
	"hl7_listener/hl7"
	"hl7_listener/monitoring"
	"hl7_listener/router"
	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	goauth2 "golang.org/x/oauth2/google"
)

const (
	publishedMetric    = "pubsub-messages-published"
	publishErrorMetric = "pubsub-messages-publish-error"

	// DefaultPublishTimeout bounds how long a single publish may block the
	// connection that received the message.
	DefaultPublishTimeout = 10 * time.Second
)

type result interface {
	Get(ctx context.Context) (string, error)
}

type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) result
	Stop()
}

type topicWrapper struct {
	t *pubsub.Topic
}

func (w *topicWrapper) Publish(ctx context.Context, msg *pubsub.Message) result {
	return w.t.Publish(ctx, msg)
}

func (w *topicWrapper) Stop() {
	w.t.Stop()
}

// Publisher is a router.Router that publishes every message it receives.
type Publisher struct {
	topic   topic
	client  *pubsub.Client
	metrics *monitoring.Client
	timeout time.Duration
}

// NewPublisher creates a publisher for the topic topicID in projectID using
// the default credentials of the application.
func NewPublisher(ctx context.Context, mt *monitoring.Client, projectID, topicID string) (*Publisher, error) {
	ts, err := goauth2.DefaultTokenSource(ctx, pubsub.ScopePubSub)
	if err != nil {
		return nil, fmt.Errorf("getting default token source: %w", err)
	}
	client, err := pubsub.NewClient(ctx, projectID, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	p := newPublisher(&topicWrapper{t: client.Topic(topicID)}, mt)
	p.client = client
	return p, nil
}

func newPublisher(t topic, mt *monitoring.Client) *Publisher {
	mt.NewInt64(publishedMetric)
	mt.NewInt64(publishErrorMetric)
	return &Publisher{topic: t, metrics: mt, timeout: DefaultPublishTimeout}
}

func attributes(msg *hl7.Message) map[string]string {
	return map[string]string{
		"message_type":  msg.MessageType(),
		"trigger_event": msg.TriggerEvent(),
		"control_id":    msg.ControlID(),
	}
}

// Route publishes msg and waits for the server to acknowledge it.
func (p *Publisher) Route(msg *hl7.Message) router.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	id, err := p.topic.Publish(ctx, &pubsub.Message{
		Data:       msg.Bytes(),
		Attributes: attributes(msg),
	}).Get(ctx)
	if err != nil {
		p.metrics.Inc(publishErrorMetric)
		return router.Failed(fmt.Errorf("publishing message %v: %w", msg.ControlID(), err))
	}
	p.metrics.Inc(publishedMetric)
	log.V(1).Infof("Published message %v as %v", msg.ControlID(), id)
	return router.Outcome{}
}

// Close flushes pending publishes and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
