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

// Package testingutil holds helpers shared by the package tests.
package testingutil

import (
	"testing"

	"hl7_listener/monitoring"
)

// CheckMetrics fails the test for every metric whose value differs from
// expected.
func CheckMetrics(t *testing.T, metrics *monitoring.Client, expected map[string]int64) {
	t.Helper()
	for name, want := range expected {
		if got := metrics.Value(name); got != want {
			t.Errorf("Metric %v: expected %v but got %v", name, want, got)
		}
	}
}
