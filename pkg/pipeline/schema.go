// Copyright 2025 AgentOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pipeline is the Agent Pipeline: the typed listener registry,
// envelope validation, and thread-aware dispatch that fronts the Kernel
// (spec §4.4).
package pipeline

import (
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema is a derived payload schema: the set of field names a listener's
// payload must carry, with which ones are required. The WIT interface
// parser that produces this in the original system is an external,
// out-of-scope collaborator (spec §1); Schema is the seam it plugs into.
type Schema struct {
	RootTag  string
	Fields   map[string]Field
	Required []string
}

// Field describes one payload field's declared type.
type Field struct {
	Type string // "string", "integer", "number", "boolean", "array", "object"
}

// SchemaSource produces a Schema from arbitrary interface-description
// text. A real WIT parser implements this; AgentOS only depends on the
// function type.
type SchemaSource func(interfaceText string) (Schema, error)

// StructSchema derives a Schema from a Go struct using
// github.com/invopop/jsonschema struct-tag reflection to expose Go
// argument structs to an LLM tool-calling surface. It stands in for the
// real WIT parser in tests and in the bundled demo listeners until one is
// wired at the call site.
func StructSchema[T any](rootTag string) (Schema, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	raw := reflector.Reflect(new(T))

	data, err := json.Marshal(raw)
	if err != nil {
		return Schema{}, fmt.Errorf("struct schema: marshal: %w", err)
	}
	var doc struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Schema{}, fmt.Errorf("struct schema: unmarshal: %w", err)
	}

	fields := make(map[string]Field, len(doc.Properties))
	for name, prop := range doc.Properties {
		fields[name] = Field{Type: prop.Type}
	}
	return Schema{RootTag: rootTag, Fields: fields, Required: doc.Required}, nil
}

// Validate checks that payload (parsed as a generic XML element tree)
// has the schema's root tag and carries every required field as a child
// element. It does not type-check values beyond presence — the handler's
// own unmarshal is the final type check.
func (s Schema) Validate(payload []byte) error {
	var root xmlElement
	if err := xml.Unmarshal(payload, &root); err != nil {
		return fmt.Errorf("payload is not well-formed xml: %w", err)
	}
	if root.XMLName.Local != s.RootTag {
		return fmt.Errorf("payload root tag %q does not match listener's declared tag %q", root.XMLName.Local, s.RootTag)
	}
	present := make(map[string]bool, len(root.Children))
	for _, c := range root.Children {
		present[c.XMLName.Local] = true
	}
	for _, req := range s.Required {
		if !present[req] {
			return fmt.Errorf("payload missing required field %q", req)
		}
	}
	return nil
}

// xmlElement is a generic single-level XML tree used only to check tag
// name and child presence, not to decode values.
type xmlElement struct {
	XMLName  xml.Name
	Children []xmlElement `xml:",any"`
}
