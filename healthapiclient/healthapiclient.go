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

// Package healthapiclient forwards received messages to an HL7v2 store of the
// Cloud Healthcare API.
package healthapiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/golang/glog"
	"golang.org/x/net/context"
	"hl7_listener/ack"
	"hl7_listener/hl7"
	"hl7_listener/monitoring"
	"hl7_listener/router"

	"google.golang.org/api/option"
	"google.golang.org/api/transport"
	goauth2 "golang.org/x/oauth2/google"
)

const (
	scope       = "https://www.googleapis.com/auth/cloud-healthcare"
	contentType = "application/json"
	sendSuffix  = "messages:ingest"

	sentMetric        = "apiclient-sent"
	sendErrorMetric   = "apiclient-send-error"
	negativeAckMetric = "apiclient-negative-ack"
)

// Client represents a client of the API.
type Client struct {
	metrics       *monitoring.Client
	client        *http.Client
	apiAddrPrefix string
	storeName     string
}

type message struct {
	Data []byte `json:"data"`
}

type sendMessageReq struct {
	Msg message `json:"message"`
}

type sendMessageResp struct {
	Hl7Ack []byte `json:"hl7Ack"`
}

// StoreName puts together the components to form the name of a REST HL7 store resource.
func StoreName(projectID, locationID, datasetID, hl7StoreID string) string {
	return strings.Join([]string{
		"projects", projectID,
		"locations", locationID,
		"datasets", datasetID,
		"hl7V2Stores", hl7StoreID,
	}, "/")
}

// NewClient creates a client for communication.
// Each request is authorized with the default credential for this application.
func NewClient(ctx context.Context, metrics *monitoring.Client, apiAddrPrefix, projectID, locationID, datasetID, hl7StoreID string) (*Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("missing project ID for HL7 dataset")
	}
	if datasetID == "" {
		return nil, fmt.Errorf("missing ID for HL7 dataset")
	}
	if hl7StoreID == "" {
		return nil, fmt.Errorf("missing ID for HL7 store")
	}

	ts, err := goauth2.DefaultTokenSource(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("oauth2google.DefaultTokenSource: %w", err)
	}

	o := []option.ClientOption{
		option.WithEndpoint(apiAddrPrefix),
		option.WithScopes(scope),
		option.WithTokenSource(ts),
	}
	log.Infof("Dialing connection to %v", apiAddrPrefix)
	httpClient, _, err := transport.NewHTTPClient(ctx, o...)
	if err != nil {
		return nil, fmt.Errorf("Dial: %w", err)
	}
	return newClient(httpClient, metrics, apiAddrPrefix, StoreName(projectID, locationID, datasetID, hl7StoreID)), nil
}

func newClient(httpClient *http.Client, metrics *monitoring.Client, apiAddrPrefix, storeName string) *Client {
	metrics.NewInt64(sentMetric)
	metrics.NewInt64(sendErrorMetric)
	metrics.NewInt64(negativeAckMetric)
	return &Client{
		metrics:       metrics,
		client:        httpClient,
		apiAddrPrefix: strings.TrimSuffix(apiAddrPrefix, "/"),
		storeName:     storeName,
	}
}

// Send ingests a message into the HL7 store and returns the ACK generated by
// the store. Returns an error if the request fails.
func (c *Client) Send(data []byte) ([]byte, error) {
	c.metrics.Inc(sentMetric)

	msg, err := json.Marshal(sendMessageReq{Msg: message{Data: data}})
	if err != nil {
		c.metrics.Inc(sendErrorMetric)
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}

	log.V(1).Infof("Sending message of size %v.", len(data))
	resp, err := c.client.Post(
		fmt.Sprintf("%v/%v/%v", c.apiAddrPrefix, c.storeName, sendSuffix),
		contentType, bytes.NewReader(msg))
	if err != nil {
		c.metrics.Inc(sendErrorMetric)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.metrics.Inc(sendErrorMetric)
		return nil, fmt.Errorf("request failed with status %v", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.Inc(sendErrorMetric)
		return nil, fmt.Errorf("unable to read data from response: %w", err)
	}

	var parsedResp sendMessageResp
	if err := json.Unmarshal(body, &parsedResp); err != nil {
		c.metrics.Inc(sendErrorMetric)
		return nil, fmt.Errorf("unable to parse response data: %w", err)
	}

	log.V(1).Infof("Message was successfully sent.")
	return parsedResp.Hl7Ack, nil
}

// Route ingests msg. An ACK from the store with a negative code downgrades
// the local acknowledgment to AE.
func (c *Client) Route(msg *hl7.Message) router.Outcome {
	raw, err := c.Send(msg.Bytes())
	if err != nil {
		return router.Failed(fmt.Errorf("ingesting message %v: %w", msg.ControlID(), err))
	}
	if len(raw) == 0 {
		return router.Outcome{}
	}
	reply, err := hl7.ParseBytes(raw)
	if err != nil {
		return router.Failed(fmt.Errorf("parsing store ack: %w", err))
	}
	res, err := ack.Read(reply)
	if err != nil {
		return router.Failed(fmt.Errorf("reading store ack: %w", err))
	}
	if !res.Code.Accepted() {
		c.metrics.Inc(negativeAckMetric)
		return router.Downgrade(fmt.Errorf("HL7 store returned %v: %v", res.Code, res.Text), ack.Error)
	}
	return router.Outcome{}
}
