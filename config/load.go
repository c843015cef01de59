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

package config

import (
	_ "embed" // for the config schema
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/imdario/mergo"
	"github.com/mitchellh/go-homedir"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed listener_config.yaml.schema
var schemaYAML []byte

// NormalizePath expands "~" and environment variables in path and makes it
// absolute relative to the working directory.
func NormalizePath(path string) (string, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	path = os.ExpandEnv(path)
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Abs(path)
}

// Load loads a config from the given path. Keys the file leaves unset take
// their values from Default; keys it sets win even when set to a zero value.
func Load(path string) (*Config, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize path %q: %w", path, err)
	}

	m, err := loadMap(path, map[string]bool{})
	if err != nil {
		return nil, fmt.Errorf("failed to load config to map: %w", err)
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config map: %w", err)
	}
	if err := Validate(b); err != nil {
		return nil, err
	}

	conf := Default()
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w\nmerged config: %v", err, string(b))
	}
	return conf, nil
}

// Validate validates the input YAML (or JSON) config against the schema.
func Validate(confYAML []byte) error {
	schemaJSON, err := yaml.YAMLToJSON(schemaYAML)
	if err != nil {
		return fmt.Errorf("failed to convert schema from yaml to json: %w", err)
	}
	confJSON, err := yaml.YAMLToJSON(confYAML)
	if err != nil {
		return fmt.Errorf("failed to convert config from yaml to json: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(confJSON))
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("config has validation errors:")
	for _, err := range result.Errors() {
		sb.WriteString(fmt.Sprintf("\n- %v", err))
	}
	return errors.New(sb.String())
}

// loadMap loads the config at path into a map and merges in every imported
// config. The given path should be absolute.
func loadMap(path string, seen map[string]bool) (map[string]interface{}, error) {
	if seen[path] {
		return nil, fmt.Errorf("import cycle at %q", path)
	}
	seen[path] = true
	defer delete(seen, path)

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at path %q: %w", path, err)
	}
	j, err := yaml.YAMLToJSON(b)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %q from yaml to json: %w", path, err)
	}

	root := make(map[string]interface{})
	if string(j) == "null" {
		return root, nil
	}
	if err := json.Unmarshal(j, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config to map at path %q: %w", path, err)
	}

	type config struct {
		Imports []string `json:"imports"`
	}
	var c config
	if err := json.Unmarshal(j, &c); err != nil {
		return nil, fmt.Errorf("failed to read imports of %q: %w", path, err)
	}
	delete(root, "imports")
	if len(c.Imports) == 0 {
		return root, nil
	}

	// Earlier imports win over later ones; the importing file wins over all,
	// including keys it sets to a zero value.
	merged := make(map[string]interface{})
	for _, imp := range c.Imports {
		impPath, err := homedir.Expand(os.ExpandEnv(imp))
		if err != nil {
			return nil, fmt.Errorf("failed to normalize import %q: %w", imp, err)
		}
		if !filepath.IsAbs(impPath) {
			impPath = filepath.Join(filepath.Dir(path), impPath)
		}
		impMap, err := loadMap(impPath, seen)
		if err != nil {
			return nil, fmt.Errorf("failed to load import %q: %w", imp, err)
		}
		if err := mergo.Merge(&merged, impMap); err != nil {
			return nil, fmt.Errorf("failed to merge import %q: %w", imp, err)
		}
	}
	if err := mergo.Merge(&merged, root, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
		return nil, fmt.Errorf("failed to merge %q over its imports: %w", path, err)
	}
	return merged, nil
}
