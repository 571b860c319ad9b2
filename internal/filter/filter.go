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

package filter

// This file provides the common data objects used by the rest of the
// program.

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// QuerySeparator separates the field name from the field value in a
// query.
const QuerySeparator = ":"

var (
	ErrMalformedQuery = errors.New("malformed query")

	// ErrInvalidText reports a query or label that the document
	// cannot carry unchanged: invalid UTF-8, or a character XML 1.0
	// does not allow.
	ErrInvalidText = errors.New("invalid text")
)

// Rule defines one user authored Gmail filter: a single search
// criterion plus the actions applied to matching mail.
type Rule struct {
	// The search criterion in "field:value" shorthand, for example
	// "to:(someone@example.com)".  Required.
	Query string

	// The label applied to matching mail.  Nil when the rule does
	// not set one.
	Label *string

	// Whether matching mail skips the inbox.  Nil when unset, which
	// is distinct from an explicit false.
	Archive *bool

	// Whether matching mail is marked as read.  Nil when unset.
	Read *bool
}

// Set is an ordered list of rules.  The order is the order of the
// entries in the generated document.
type Set []Rule

// SplitQuery returns the field name and field value of a query.  The
// field name ends at the first separator; the value is everything
// after it, separators included.
func SplitQuery(query string) (field, value string, err error) {
	i := strings.Index(query, QuerySeparator)
	if i < 0 {
		return "", "", errors.Wrapf(ErrMalformedQuery,
			"query %q has no %q separator", query, QuerySeparator)
	}
	if i == 0 {
		return "", "", errors.Wrapf(ErrMalformedQuery,
			"query %q has an empty field name", query)
	}
	return query[:i], query[i+len(QuerySeparator):], nil
}

// Validate reports whether the rule can be compiled.
func (r Rule) Validate() error {
	if err := checkText("query", r.Query); err != nil {
		return err
	}
	if r.Label != nil {
		if err := checkText("label", *r.Label); err != nil {
			return err
		}
	}
	_, _, err := SplitQuery(r.Query)
	return err
}

func checkText(what, s string) error {
	if !utf8.ValidString(s) {
		return errors.Wrapf(ErrInvalidText, "%s %q is not valid UTF-8", what, s)
	}
	for _, c := range s {
		if !isXMLChar(c) {
			return errors.Wrapf(ErrInvalidText,
				"%s %q contains character %U, which XML does not allow", what, s, c)
		}
	}
	return nil
}

// isXMLChar reports whether c is in the Char production of XML 1.0.
func isXMLChar(c rune) bool {
	switch {
	case c == '\t' || c == '\n' || c == '\r':
		return true
	case c >= 0x20 && c <= 0xD7FF:
		return true
	case c >= 0xE000 && c <= 0xFFFD:
		return true
	case c >= 0x10000 && c <= utf8.MaxRune:
		return true
	}
	return false
}

// Validate checks every rule and returns the first failure, naming
// the rule by its 1-based position.
func (s Set) Validate() error {
	for i, r := range s {
		if err := r.Validate(); err != nil {
			return errors.Wrapf(err, "filter #%d", i+1)
		}
	}
	return nil
}

// String returns a pointer to s, for building rules in code.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building rules in code.
func Bool(b bool) *bool { return &b }
