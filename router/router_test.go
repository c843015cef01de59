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

package router

import (
	"errors"
	"testing"

	"hl7_listener/ack"
	"hl7_listener/hl7"
)

func parse(t *testing.T, msgType string) *hl7.Message {
	t.Helper()
	msg, err := hl7.Parse("MSH|^~\\&|A|B|C|D|20240101000000||" + msgType + "|1|P|2.4")
	if err != nil {
		t.Fatalf("hl7.Parse: %v", err)
	}
	return msg
}

type recorder struct {
	name string
	got  *[]string
	out  Outcome
}

func (r recorder) Route(*hl7.Message) Outcome {
	*r.got = append(*r.got, r.name)
	return r.out
}

func TestMux(t *testing.T) {
	var got []string
	m := NewMux(recorder{name: "fallback", got: &got})
	m.Handle("ORU", recorder{name: "oru", got: &got})
	m.Handle("QRY", recorder{name: "qry", got: &got})

	testCases := []struct {
		msgType string
		want    string
	}{
		{"ORU^R01", "oru"},
		{"ORU", "oru"},
		{"QRY^Q02", "qry"},
		{"ADT^A01", "fallback"},
		{"", "fallback"},
	}
	for _, tc := range testCases {
		got = nil
		m.Route(parse(t, tc.msgType))
		if len(got) != 1 || got[0] != tc.want {
			t.Errorf("MSH-9 %q routed to %v, want [%v]", tc.msgType, got, tc.want)
		}
	}
}

func TestMuxDefaultFallbackAccepts(t *testing.T) {
	if o := NewMux(nil).Route(parse(t, "ADT^A01")); o.Err != nil || o.Code != "" {
		t.Errorf("default fallback returned %+v, want zero Outcome", o)
	}
}

func TestFanout(t *testing.T) {
	var got []string
	errFirst := errors.New("first")
	f := Fanout{
		recorder{name: "a", got: &got},
		recorder{name: "b", got: &got, out: Downgrade(errFirst, ack.Error)},
		recorder{name: "c", got: &got, out: Failed(errors.New("second"))},
	}
	o := f.Route(parse(t, "ORU^R01"))
	if len(got) != 3 {
		t.Errorf("routed to %v, want all three", got)
	}
	if !errors.Is(o.Err, errFirst) {
		t.Errorf("Err = %v, want first failure", o.Err)
	}
	if o.Code != ack.Error || o.Text != "first" {
		t.Errorf("Code, Text = %v, %q, want AE, %q", o.Code, o.Text, "first")
	}
}
