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

// The mllp_send binary sends one HL7 message from a file to an MLLP listener
// and prints the acknowledgment. It exits with status 1 on a negative ACK.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/golang/glog"
	"hl7_listener/hl7"
	"hl7_listener/mllpsender"
)

var (
	addr    = flag.String("addr", "localhost:2575", "Address of the MLLP listener")
	file    = flag.String("file", "", "File holding one HL7 message, segments separated by CR or newlines")
	timeout = flag.Duration("timeout", mllpsender.DefaultTimeout, "Time to wait for the acknowledgment")
)

// normalize converts newline separated segments to CR separated ones.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	return strings.ReplaceAll(text, "\n", "\r")
}

func main() {
	flag.Parse()
	if *file == "" {
		log.Exitf("Required flag value --file not provided")
	}

	b, err := os.ReadFile(*file)
	if err != nil {
		log.Exitf("Reading %v: %v", *file, err)
	}
	msg, err := hl7.Parse(normalize(hl7.Decode(b)))
	if err != nil {
		log.Exitf("Parsing %v: %v", *file, err)
	}

	sender := mllpsender.NewSender(*addr, nil)
	sender.SetTimeout(*timeout)
	start := time.Now()
	res, err := sender.SendMessage(msg)
	if res.Code != "" {
		fmt.Printf("%v %v %v (%v)\n", res.Code, res.ControlID, res.Text, time.Since(start))
	}
	if err != nil {
		log.Exitf("Sending %v to %v: %v", msg.ControlID(), *addr, err)
	}
}
