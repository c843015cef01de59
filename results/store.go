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

package results

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/mitchellh/go-homedir"
	"hl7_listener/hl7"
	"hl7_listener/monitoring"
	"hl7_listener/router"
)

const (
	savedMetric     = "results-saved"
	saveErrorMetric = "results-save-error"
	rawSavedMetric  = "results-raw-saved"

	fileTimeFormat = "20060102_150405"
)

var (
	timeNow = time.Now

	csvHeader = []string{"Test_Code", "Test_Name", "Result_Value", "Units", "Reference_Range", "Status"}
)

// Store writes one CSV file per ORU message, and optionally the raw message
// text, into a directory.
type Store struct {
	dir     string
	saveRaw bool
	metrics *monitoring.Client

	// mu serializes writes from concurrent connections.
	mu sync.Mutex
}

// NewStore creates dir if needed. A leading "~" in dir is expanded to the
// user's home directory.
func NewStore(dir string, saveRaw bool, metrics *monitoring.Client) (*Store, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expanding output directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	metrics.NewInt64(savedMetric)
	metrics.NewInt64(saveErrorMetric)
	metrics.NewInt64(rawSavedMetric)
	return &Store{dir: expanded, saveRaw: saveRaw, metrics: metrics}, nil
}

// Dir returns the expanded output directory.
func (s *Store) Dir() string {
	return s.dir
}

// Route saves msg. Filesystem errors are reported as routing failures.
func (s *Store) Route(msg *hl7.Message) router.Outcome {
	if _, err := s.Save(msg); err != nil {
		s.metrics.Inc(saveErrorMetric)
		return router.Failed(err)
	}
	return router.Outcome{}
}

// Save writes the report of msg and returns the path of the CSV file.
func (s *Store) Save(msg *hl7.Message) (string, error) {
	r := Extract(msg)
	logReport(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeNow()
	if s.saveRaw {
		name := fmt.Sprintf("hl7_message_%v_%v.txt", now.Format(fileTimeFormat), sanitize(r.ControlID, "Unknown_Control_ID"))
		if err := os.WriteFile(filepath.Join(s.dir, name), msg.Bytes(), 0o644); err != nil {
			return "", fmt.Errorf("saving raw message: %w", err)
		}
		s.metrics.Inc(rawSavedMetric)
	}

	path := filepath.Join(s.dir, csvName(r, now))
	if err := writeCSV(path, r, now); err != nil {
		return "", fmt.Errorf("saving results: %w", err)
	}
	s.metrics.Inc(savedMetric)
	log.Infof("Lab results saved to %v (%v tests)", path, len(r.Reportable()))
	return path, nil
}

func patient(r Report) string {
	if r.PatientInfo != "" {
		return r.PatientInfo
	}
	return r.PatientName
}

func csvName(r Report, now time.Time) string {
	return fmt.Sprintf("%v_%v_%v_%v.csv",
		sanitize(patient(r), "Unknown_Patient"),
		sanitize(r.SpecimenID, "Unknown_Specimen"),
		now.Format(fileTimeFormat),
		sanitize(r.ControlID, "Unknown_Control_ID"))
}

// sanitize replaces every character that is not safe in a file name with '_'.
func sanitize(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, s)
}

func writeCSV(path string, r Report, now time.Time) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	rows := [][]string{
		{"Patient Information"},
		{"Patient ID:", r.PatientID},
		{"Patient Name:", r.PatientName},
		{"Patient Info:", r.PatientInfo},
		{"Specimen ID:", r.SpecimenID},
		{"Message Timestamp:", r.Timestamp},
		{"Control ID:", r.ControlID},
		{"Received:", now.Format("2006-01-02 15:04:05")},
		{},
		csvHeader,
	}
	for _, o := range r.Reportable() {
		rows = append(rows, []string{o.Code, o.Name, o.Value, o.Units, o.ReferenceRange, o.Status})
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return nil
}

func logReport(r Report) {
	log.Infof("Patient: %q, specimen: %q, timestamp: %q", patient(r), r.SpecimenID, r.Timestamp)
	for _, o := range r.Reportable() {
		log.Infof("%v: %v %v (Ref: %v)", o.Code, o.Value, o.Units, o.ReferenceRange)
	}
}
