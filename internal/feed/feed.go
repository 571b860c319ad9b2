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

// Package feed compiles filter rules into the Atom document accepted
// by Gmail's "Import filters" setting.
package feed

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/matta/mandarin/internal/filter"
	"github.com/pkg/errors"
)

const (
	AtomNamespace = "http://www.w3.org/2005/Atom"
	AppsNamespace = "http://schemas.google.com/apps/2006"

	Title       = "Mail Filters"
	AuthorName  = "k-jun"
	AuthorEmail = "k-jun@gmail.com"

	// Property names understood by the Gmail importer.
	PropertyLabel      = "label"
	PropertyArchive    = "shouldArchive"
	PropertyMarkAsRead = "shouldMarkAsRead"
)

type layout struct {
	// Separator between entries, and before the first one.
	entrySep string
	// Separator before each child of an entry.
	childSep string
	// Separator before an entry's closing tag.
	closeSep string
}

var (
	compact = layout{entrySep: "", childSep: "", closeSep: ""}
	indent  = layout{entrySep: "\n    ", childSep: "\n        ", closeSep: "\n    "}
)

// Compile returns the import document for rules, with all entries on
// a single line.
func Compile(rules filter.Set) (string, error) {
	return compile(rules, compact)
}

// CompileIndent is like Compile but places each entry and property on
// its own line.
func CompileIndent(rules filter.Set) (string, error) {
	return compile(rules, indent)
}

func compile(rules filter.Set, l layout) (string, error) {
	if err := rules.Validate(); err != nil {
		return "", err
	}
	var body strings.Builder
	for i, r := range rules {
		if err := writeEntry(&body, r, l); err != nil {
			return "", errors.Wrapf(err, "filter #%d", i+1)
		}
	}

	var b strings.Builder
	b.WriteString("<?xml version='1.0' encoding='UTF-8'?>\n")
	b.WriteString("<feed xmlns='" + AtomNamespace + "' xmlns:apps='" + AppsNamespace + "'>\n")
	b.WriteString("    <title>")
	writeEscaped(&b, Title)
	b.WriteString("</title>\n")
	b.WriteString("    <author>\n")
	b.WriteString("        <name>")
	writeEscaped(&b, AuthorName)
	b.WriteString("</name>\n")
	b.WriteString("        <email>")
	writeEscaped(&b, AuthorEmail)
	b.WriteString("</email>\n")
	b.WriteString("    </author>")
	if l == compact {
		b.WriteString("\n    ")
	}
	b.WriteString(body.String())
	b.WriteString("\n</feed>")
	return b.String(), nil
}

// writeEntry appends one <entry> for r.  Properties always appear in
// the order query, label, shouldArchive, shouldMarkAsRead.
func writeEntry(b *strings.Builder, r filter.Rule, l layout) error {
	field, value, err := filter.SplitQuery(r.Query)
	if err != nil {
		return err
	}

	b.WriteString(l.entrySep)
	b.WriteString("<entry>")
	b.WriteString(l.childSep)
	b.WriteString("<category term='filter'></category>")

	property := func(name, value string) {
		b.WriteString(l.childSep)
		b.WriteString("<apps:property name='")
		writeEscaped(b, name)
		b.WriteString("' value='")
		writeEscaped(b, value)
		b.WriteString("'/>")
	}

	property(field, value)
	if r.Label != nil {
		property(PropertyLabel, *r.Label)
	}
	if r.Archive != nil {
		property(PropertyArchive, strconv.FormatBool(*r.Archive))
	}
	if r.Read != nil {
		property(PropertyMarkAsRead, strconv.FormatBool(*r.Read))
	}

	b.WriteString(l.closeSep)
	b.WriteString("</entry>")
	return nil
}

// writeEscaped appends s with every character that is significant in
// XML character data or a quoted attribute replaced by a reference.
func writeEscaped(b *strings.Builder, s string) {
	// strings.Builder never returns a write error.
	_ = xml.EscapeText(b, []byte(s))
}
