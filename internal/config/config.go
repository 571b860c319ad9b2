// Copyright 2019 Google LLC
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

// Package config decodes the user's filter configuration into a
// filter.Set.
//
// The primary format is TOML, one [[filter]] table per rule:
//
//	[[filter]]
//	query = "to:(someone@example.com)"
//	label = "000"
//	archive = true
//	read = true
//
// A YAML document with a top level "filter" sequence of the same
// records is also accepted.
package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/matta/mandarin/internal/filter"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is a decoded configuration file.
type Config struct {
	Filters filter.Set

	// Keys present in the source that no rule field consumed, in
	// dotted form (e.g. "filter.lable").  Only filled for TOML.
	Unknown []string
}

// ParseError reports a configuration that does not have the expected
// shape.
type ParseError struct {
	// The 1-based position of the offending rule, or 0 when the
	// error is not tied to a single rule.
	Index int

	Err error
}

func (e *ParseError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("config: filter #%d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// record mirrors one [[filter]] table.  Pointers distinguish absent
// keys from zero values.
type record struct {
	Query   *string `toml:"query"`
	Label   *string `toml:"label"`
	Archive *bool   `toml:"archive"`
	Read    *bool   `toml:"read"`
}

type document struct {
	Filter *[]record `toml:"filter"`
}

// Parse decodes TOML configuration text.
func Parse(raw string) (*Config, error) {
	var doc document
	md, err := toml.Decode(raw, &doc)
	if err != nil {
		return nil, &ParseError{Err: errors.Wrap(err, "invalid TOML")}
	}
	if doc.Filter == nil {
		return nil, missingFilter()
	}
	set := make(filter.Set, 0, len(*doc.Filter))
	for i, r := range *doc.Filter {
		rule, err := r.rule(i + 1)
		if err != nil {
			return nil, err
		}
		set = append(set, rule)
	}
	cfg := &Config{Filters: set}
	for _, key := range md.Undecoded() {
		cfg.Unknown = append(cfg.Unknown, key.String())
	}
	return cfg, nil
}

// yamlDocument leaves the records undecoded so each one is checked on
// its own and errors can name the rule.
type yamlDocument struct {
	Filter *[]yaml.Node `yaml:"filter"`
}

// yamlRecord is record with YAML's implicit typing turned off: a
// string field only takes a string scalar and a bool field only a
// boolean.
type yamlRecord struct {
	Query   *yamlString `yaml:"query"`
	Label   *yamlString `yaml:"label"`
	Archive *yamlBool   `yaml:"archive"`
	Read    *yamlBool   `yaml:"read"`
}

var yamlRecordKeys = map[string]bool{
	"query":   true,
	"label":   true,
	"archive": true,
	"read":    true,
}

type yamlString string

func (s *yamlString) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!str" {
		return yamlTypeError(n, "string")
	}
	*s = yamlString(n.Value)
	return nil
}

type yamlBool bool

func (b *yamlBool) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!bool" {
		return yamlTypeError(n, "boolean")
	}
	var v bool
	if err := n.Decode(&v); err != nil {
		return err
	}
	*b = yamlBool(v)
	return nil
}

func yamlTypeError(n *yaml.Node, want string) error {
	return errors.Errorf("line %d: value of type %s is not a %s", n.Line, n.ShortTag(), want)
}

// ParseYAML decodes YAML configuration text.  Unlike Parse, unknown
// keys are an error.  Values must already have the field's type, so
// "label: 5" is rejected instead of being read as the string "5".
func ParseYAML(raw []byte) (*Config, error) {
	var doc yamlDocument
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{Err: errors.Wrap(err, "invalid YAML")}
	}
	if doc.Filter == nil {
		return nil, missingFilter()
	}
	nodes := *doc.Filter
	set := make(filter.Set, 0, len(nodes))
	for i := range nodes {
		r, err := decodeYAMLRecord(&nodes[i])
		if err != nil {
			return nil, &ParseError{Index: i + 1, Err: err}
		}
		rule, err := r.rule(i + 1)
		if err != nil {
			return nil, err
		}
		set = append(set, rule)
	}
	return &Config{Filters: set}, nil
}

func decodeYAMLRecord(n *yaml.Node) (record, error) {
	if n.Kind != yaml.MappingNode {
		return record{}, errors.Errorf("line %d: value of type %s is not a mapping", n.Line, n.ShortTag())
	}
	for i := 0; i < len(n.Content); i += 2 {
		if key := n.Content[i]; !yamlRecordKeys[key.Value] {
			return record{}, errors.Errorf("line %d: unknown key %q", key.Line, key.Value)
		}
	}
	var r yamlRecord
	if err := n.Decode(&r); err != nil {
		return record{}, err
	}
	return record{
		Query:   (*string)(r.Query),
		Label:   (*string)(r.Label),
		Archive: (*bool)(r.Archive),
		Read:    (*bool)(r.Read),
	}, nil
}

// ParseFile decodes raw according to the extension of name: YAML for
// ".yaml" and ".yml", TOML otherwise.
func ParseFile(name string, raw []byte) (*Config, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return ParseYAML(raw)
	default:
		return Parse(string(raw))
	}
}

func missingFilter() error {
	return &ParseError{Err: errors.New(`missing required key "filter"`)}
}

// rule converts the record at the given 1-based position.
func (r record) rule(index int) (filter.Rule, error) {
	if r.Query == nil {
		return filter.Rule{}, &ParseError{
			Index: index,
			Err:   errors.New(`missing required key "query"`),
		}
	}
	rule := filter.Rule{
		Query:   *r.Query,
		Label:   r.Label,
		Archive: r.Archive,
		Read:    r.Read,
	}
	if err := rule.Validate(); err != nil {
		return filter.Rule{}, &ParseError{Index: index, Err: err}
	}
	return rule, nil
}
