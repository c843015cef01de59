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

// Package results extracts laboratory results from ORU messages and stores
// them on disk.
package results

import (
	"hl7_listener/hl7"
)

var testNames = map[string]string{
	"RBC":  "Red Blood Cells",
	"WBC":  "White Blood Cells",
	"HGB":  "Hemoglobin",
	"HCT":  "Hematocrit",
	"MCV":  "Mean Corpuscular Volume",
	"MCH":  "Mean Corpuscular Hemoglobin",
	"MCHC": "Mean Corpuscular Hemoglobin Concentration",
	"PLT":  "Platelets",
	"MPV":  "Mean Platelet Volume",
	"RDWR": "Red Cell Distribution Width",
	"RDWA": "Red Cell Distribution Width Absolute",
	"PCT":  "Plateletcrit",
	"PDW":  "Platelet Distribution Width",
	"LPCR": "Large Platelet Cell Ratio",
	"LYMA": "Lymphocytes Absolute",
	"MIDA": "Monocytes Absolute",
	"GRNA": "Granulocytes Absolute",
	"LYMR": "Lymphocytes Relative",
	"MIDR": "Monocytes Relative",
	"GRNR": "Granulocytes Relative",
}

// TestName returns the readable name of a hematology test code. Unknown codes
// are returned unchanged.
func TestName(code string) string {
	if name, ok := testNames[code]; ok {
		return name
	}
	return code
}

// Observation is one OBX segment.
type Observation struct {
	Code           string
	Name           string
	Value          string
	Units          string
	ReferenceRange string
	Status         string
}

// Reportable is true when the observation carries both a code and a value.
func (o Observation) Reportable() bool {
	return o.Code != "" && o.Value != ""
}

// Report holds the fields of an ORU message that are written to disk.
type Report struct {
	ControlID    string
	Timestamp    string
	PatientID    string
	PatientName  string
	SpecimenID   string
	PatientInfo  string
	Observations []Observation
}

// Reportable returns the observations that have both a code and a value.
func (r Report) Reportable() []Observation {
	var out []Observation
	for _, o := range r.Observations {
		if o.Reportable() {
			out = append(out, o)
		}
	}
	return out
}

// Extract collects the report fields of msg. Missing segments and fields
// leave the corresponding values empty.
func Extract(msg *hl7.Message) Report {
	r := Report{
		ControlID: msg.ControlID(),
		Timestamp: msg.Timestamp(),
	}
	if pid, ok := msg.First("PID"); ok {
		r.PatientID = msg.Component(pid.Field(3), 1)
		r.PatientName = pid.Field(5)
	}
	if obr, ok := msg.First("OBR"); ok {
		r.SpecimenID = obr.Field(3)
		r.PatientInfo = obr.Field(4)
	}
	for _, obx := range msg.All("OBX") {
		id := obx.Field(3)
		o := Observation{
			Code:           msg.Component(id, 1),
			Name:           msg.Component(id, 2),
			Value:          obx.Field(5),
			Units:          obx.Field(6),
			ReferenceRange: obx.Field(7),
			Status:         obx.Field(11),
		}
		if o.Name == "" {
			o.Name = TestName(o.Code)
		}
		r.Observations = append(r.Observations, o)
	}
	return r
}
