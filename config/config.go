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

// Package config loads the listener configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"hl7_listener/ack"
	"hl7_listener/mllp"
	"hl7_listener/mllpreceiver"
)

// Duration is a time.Duration written as a string such as "2s" or "1m30s".
type Duration time.Duration

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ACKIdentity fills the header of every acknowledgment.
type ACKIdentity struct {
	SendingApplication   string `json:"sending_application"`
	SendingFacility      string `json:"sending_facility"`
	ReceivingApplication string `json:"receiving_application"`
	ReceivingFacility    string `json:"receiving_facility"`
	HL7Version           string `json:"hl7_version"`
	ProcessingID         string `json:"processing_id"`
	AcceptText           string `json:"accept_text"`
}

// Results configures the CSV result files.
type Results struct {
	OutputDir string `json:"output_dir"`
	SaveRaw   bool   `json:"save_raw"`
}

// Forward configures relaying to another MLLP endpoint.
type Forward struct {
	MLLPAddr string `json:"mllp_addr"`
}

// PubSub configures publishing to a Cloud Pub/Sub topic.
type PubSub struct {
	ProjectID string `json:"project_id"`
	Topic     string `json:"topic"`
}

// HealthcareAPI configures ingestion into a Cloud Healthcare HL7v2 store.
type HealthcareAPI struct {
	APIAddrPrefix string `json:"api_addr_prefix"`
	ProjectID     string `json:"project_id"`
	LocationID    string `json:"location_id"`
	DatasetID     string `json:"dataset_id"`
	HL7StoreID    string `json:"hl7_store_id"`
}

// Enabled is true when a store is named.
func (h HealthcareAPI) Enabled() bool {
	return h.ProjectID != "" && h.DatasetID != "" && h.HL7StoreID != ""
}

// Serial configures an RS-232 line served alongside TCP.
type Serial struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
}

// Config is the listener configuration. See listener_config.yaml.schema for
// details.
type Config struct {
	BindAddress     string   `json:"bind_address"`
	Port            int      `json:"port"`
	AcceptTimeout   Duration `json:"accept_timeout"`
	IdleTimeout     Duration `json:"idle_timeout"`
	ReadBufferBytes int      `json:"read_buffer_bytes"`
	// MaxBufferBytes caps the unterminated bytes held per connection. Zero or
	// a negative value removes the cap.
	MaxBufferBytes int  `json:"max_buffer_bytes"`
	MaxConnections int  `json:"max_connections"`
	AcceptAlways   bool `json:"accept_always"`
	ExportStats    bool `json:"export_stats"`

	ACKIdentity   ACKIdentity   `json:"ack_identity"`
	Results       Results       `json:"results"`
	Forward       Forward       `json:"forward"`
	PubSub        PubSub        `json:"pubsub"`
	HealthcareAPI HealthcareAPI `json:"healthcare_api"`
	Serial        Serial        `json:"serial"`
}

// Default returns the configuration used for every key a file leaves unset.
func Default() *Config {
	opts := mllpreceiver.DefaultOptions()
	id := ack.DefaultIdentity()
	return &Config{
		BindAddress:     "localhost",
		Port:            2575, // IANA port for HL7 over TCP
		AcceptTimeout:   Duration(opts.AcceptTimeout),
		ReadBufferBytes: mllp.DefaultReadBufferBytes,
		MaxBufferBytes:  opts.MaxBufferBytes,
		ACKIdentity: ACKIdentity{
			SendingApplication: id.SendingApplication,
			SendingFacility:    id.SendingFacility,
			HL7Version:         id.HL7Version,
			ProcessingID:       id.ProcessingID,
		},
		Results: Results{OutputDir: "."},
		HealthcareAPI: HealthcareAPI{
			APIAddrPrefix: "https://healthcare.googleapis.com/v1",
		},
		Serial: Serial{BaudRate: 9600},
	}
}

// Identity converts the ACK identity for the ack package.
func (c *Config) Identity() ack.Identity {
	return ack.Identity{
		SendingApplication:   c.ACKIdentity.SendingApplication,
		SendingFacility:      c.ACKIdentity.SendingFacility,
		ReceivingApplication: c.ACKIdentity.ReceivingApplication,
		ReceivingFacility:    c.ACKIdentity.ReceivingFacility,
		HL7Version:           c.ACKIdentity.HL7Version,
		ProcessingID:         c.ACKIdentity.ProcessingID,
		AcceptText:           c.ACKIdentity.AcceptText,
	}
}

// ReceiverOptions converts the connection settings for mllpreceiver.
func (c *Config) ReceiverOptions() mllpreceiver.Options {
	maxBuffer := c.MaxBufferBytes
	if maxBuffer < 0 {
		maxBuffer = 0
	}
	return mllpreceiver.Options{
		AcceptTimeout:   time.Duration(c.AcceptTimeout),
		IdleTimeout:     time.Duration(c.IdleTimeout),
		ReadBufferBytes: c.ReadBufferBytes,
		MaxBufferBytes:  maxBuffer,
		MaxConnections:  c.MaxConnections,
		AcceptAlways:    c.AcceptAlways,
		Identity:        c.Identity(),
	}
}
