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

// The hl7_listener binary is a server that accepts HL7 messages from lab
// analyzers over MLLP, acknowledges them, and stores or forwards the results.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/net/context"
	"hl7_listener/config"
	"hl7_listener/healthapiclient"
	"hl7_listener/mllpreceiver"
	"hl7_listener/mllpsender"
	"hl7_listener/monitoring"
	"hl7_listener/pubsub"
	"hl7_listener/results"
	"hl7_listener/router"
	"hl7_listener/serialport"
)

var (
	configPath = flag.String("config", "", "Path of a YAML listener config; flags set on the command line override it")
	// 2575 is the default port for HL7 over TCP
	// https://www.iana.org/assignments/service-names-port-numbers/service-names-port-numbers.xhtml?search=2575
	port            = flag.Int("port", 2575, "Port on which to listen for incoming MLLP connections")
	receiverIP      = flag.String("receiver_ip", "localhost", "IP address for incoming MLLP connections")
	maxBufferBytes  = flag.Int("max_buffer_bytes", 1<<20, "Bytes of an unterminated frame held per connection before it is closed; 0 or negative disables the cap")
	maxConnections  = flag.Int("max_connections", 0, "Maximum concurrent connections, 0 for no limit")
	acceptAlways    = flag.Bool("accept_always", false, "Acknowledge every frame with AA, even malformed or rejected ones")
	outputDir       = flag.String("output_dir", ".", "Directory for CSV result files")
	saveRaw         = flag.Bool("save_raw", false, "Also save the raw text of every result message")
	mllpAddr        = flag.String("mllp_addr", "", "Target address for forwarding results over MLLP")
	apiAddrPrefix   = flag.String("api_addr_prefix", "https://healthcare.googleapis.com/v1", "Prefix of the Cloud Healthcare API, including scheme and version")
	hl7ProjectID    = flag.String("hl7_project_id", "", "Project ID that owns the healthcare dataset")
	hl7LocationID   = flag.String("hl7_location_id", "", "ID of Cloud Location where the healthcare dataset is stored")
	hl7DatasetID    = flag.String("hl7_dataset_id", "", "ID of the healthcare dataset")
	hl7StoreID      = flag.String("hl7_store_id", "", "ID the HL7 store inside the healthcare dataset")
	pubsubProjectID = flag.String("pubsub_project_id", "", "Project ID that owns the pubsub topic")
	pubsubTopic     = flag.String("pubsub_topic", "", "Pubsub topic to publish received results to")
	serialDevice    = flag.String("serial_port", "", "Serial device of an analyzer that sends MLLP over RS-232")
	baudRate        = flag.Int("baud_rate", serialport.DefaultBaudRate, "Line speed of --serial_port")
	exportStats     = flag.Bool("export_stats", false, "Whether to export stackdriver stats")
	shutdownGrace   = flag.Duration("shutdown_grace", 30*time.Second, "How long to wait for open connections on shutdown")
)

// loadConfig reads --config, if any, and applies the flags that were set
// explicitly.
func loadConfig() (*config.Config, error) {
	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			conf.Port = *port
		case "receiver_ip":
			conf.BindAddress = *receiverIP
		case "max_buffer_bytes":
			conf.MaxBufferBytes = *maxBufferBytes
		case "max_connections":
			conf.MaxConnections = *maxConnections
		case "accept_always":
			conf.AcceptAlways = *acceptAlways
		case "output_dir":
			conf.Results.OutputDir = *outputDir
		case "save_raw":
			conf.Results.SaveRaw = *saveRaw
		case "mllp_addr":
			conf.Forward.MLLPAddr = *mllpAddr
		case "api_addr_prefix":
			conf.HealthcareAPI.APIAddrPrefix = *apiAddrPrefix
		case "hl7_project_id":
			conf.HealthcareAPI.ProjectID = *hl7ProjectID
		case "hl7_location_id":
			conf.HealthcareAPI.LocationID = *hl7LocationID
		case "hl7_dataset_id":
			conf.HealthcareAPI.DatasetID = *hl7DatasetID
		case "hl7_store_id":
			conf.HealthcareAPI.HL7StoreID = *hl7StoreID
		case "pubsub_project_id":
			conf.PubSub.ProjectID = *pubsubProjectID
		case "pubsub_topic":
			conf.PubSub.Topic = *pubsubTopic
		case "serial_port":
			conf.Serial.Port = *serialDevice
		case "baud_rate":
			conf.Serial.BaudRate = *baudRate
		case "export_stats":
			conf.ExportStats = *exportStats
		}
	})
	return conf, nil
}

// newRouter sends results to the CSV store and every configured destination,
// and logs queries. The returned function releases the destinations.
func newRouter(ctx context.Context, conf *config.Config, mon *monitoring.Client) (router.Router, func(), error) {
	store, err := results.NewStore(conf.Results.OutputDir, conf.Results.SaveRaw, mon)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("Saving results to %v", store.Dir())
	dests := router.Fanout{store}
	cleanup := func() {}

	if conf.HealthcareAPI.Enabled() {
		h := conf.HealthcareAPI
		apiClient, err := healthapiclient.NewClient(ctx, mon, h.APIAddrPrefix, h.ProjectID, h.LocationID, h.DatasetID, h.HL7StoreID)
		if err != nil {
			return nil, nil, err
		}
		dests = append(dests, apiClient)
	} else {
		log.Infof("HL7 store not specified, starting without")
	}

	if conf.PubSub.ProjectID == "" || conf.PubSub.Topic == "" {
		log.Infof("Pubsub topic not specified, starting without")
	} else {
		publisher, err := pubsub.NewPublisher(ctx, mon, conf.PubSub.ProjectID, conf.PubSub.Topic)
		if err != nil {
			return nil, nil, err
		}
		dests = append(dests, publisher)
		cleanup = func() {
			if err := publisher.Close(); err != nil {
				log.Errorf("Closing publisher: %v", err)
			}
		}
	}

	if conf.Forward.MLLPAddr != "" {
		dests = append(dests, mllpsender.NewSender(conf.Forward.MLLPAddr, mon))
	}

	mux := router.NewMux(nil)
	mux.Handle("ORU", dests)
	mux.Handle("QRY", router.QueryLogger)
	return mux, cleanup, nil
}

func main() {
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := monitoring.NewClient()
	if conf.ExportStats {
		if err := monitoring.ConfigureExport(ctx, mon); err != nil {
			log.Fatalf("monitoring.ConfigureExport: %v", err)
		}
		// Initial export delay is between 45 and 45+30 seconds
		go func() {
			err := mon.StartExport(ctx, 45, 30)
			if ctx.Err() == nil {
				log.Fatalf("monitoring.StartExport: %v", err)
			}
		}()
	}

	r, cleanup, err := newRouter(ctx, conf, mon)
	if err != nil {
		log.Fatalf("building router: %v", err)
	}
	defer cleanup()

	receiver, err := mllpreceiver.NewReceiver(conf.BindAddress, conf.Port, r, conf.ReceiverOptions(), mon)
	if err != nil {
		log.Fatalf("NewReceiver: %v", err)
	}

	serialDone := make(chan struct{})
	if conf.Serial.Port != "" {
		go func() {
			serialport.Serve(ctx, conf.Serial.Port, conf.Serial.BaudRate, receiver, 5*time.Second)
			close(serialDone)
		}()
	} else {
		close(serialDone)
	}

	if err := receiver.Run(ctx); err != nil {
		log.Fatalf("MLLPReceiver.Run: %v", err)
	}

	done := make(chan struct{})
	go func() {
		// Serve must return first so that no stream is added while waiting.
		<-serialDone
		receiver.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(*shutdownGrace):
		log.Warningf("Connections still open after %v, exiting", *shutdownGrace)
	}
	log.Infof("Shutting down: %v", mon.Summary())
	log.Flush()
}
