// Package agentctx owns every write to an agent's context document.
package agentctx

import (
	"bytes"
	"encoding/json"
	"fmt"

	"forecastloop/internal/domain"
)

// RunnerConfigKey is the document key holding the runner configuration.
const RunnerConfigKey = "runnerConfig"

// document is the decoded form of an agent context. Only arrays of strings are sections;
// every other top-level value, runnerConfig included, is kept as its raw JSON and written
// back as it was read.
type document struct {
	sections     map[string][]string
	runnerConfig *domain.RunnerConfig
	other        map[string]json.RawMessage
}

func parseDocument(raw []byte) (*document, error) {
	doc := &document{
		sections: make(map[string][]string),
		other:    make(map[string]json.RawMessage),
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return doc, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode agent context: %w", err)
	}
	for key, value := range fields {
		if key == RunnerConfigKey {
			var rc domain.RunnerConfig
			if err := json.Unmarshal(value, &rc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", RunnerConfigKey, err)
			}
			doc.runnerConfig = &rc
			doc.other[key] = value
			continue
		}
		if items, ok := decodeList(value); ok {
			doc.sections[key] = items
			continue
		}
		doc.other[key] = value
	}
	return doc, nil
}

func (d *document) encode() ([]byte, error) {
	out := make(map[string]any, len(d.sections)+len(d.other)+1)
	for k, v := range d.other {
		out[k] = v
	}
	for k, v := range d.sections {
		if v == nil {
			v = []string{}
		}
		out[k] = v
	}
	if _, kept := d.other[RunnerConfigKey]; !kept && d.runnerConfig != nil {
		out[RunnerConfigKey] = d.runnerConfig
	}
	return json.Marshal(out)
}

// decodeList accepts a JSON array whose elements are all strings.
func decodeList(raw json.RawMessage) ([]string, bool) {
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}
	return items, true
}

// ParseContextSections splits a context document into its list sections and runner config.
func ParseContextSections(raw []byte) (map[string][]string, *domain.RunnerConfig, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, nil, err
	}
	return doc.sections, doc.runnerConfig, nil
}

// ReconstructContext is the inverse of ParseContextSections.
func ReconstructContext(sections map[string][]string, runnerConfig *domain.RunnerConfig) ([]byte, error) {
	if _, clash := sections[RunnerConfigKey]; clash {
		return nil, domain.Invalid("section name %q is reserved", RunnerConfigKey)
	}
	doc := &document{sections: sections, runnerConfig: runnerConfig}
	return doc.encode()
}

// RunnerConfigOf returns the runner config stored in an agent context, or nil.
func RunnerConfigOf(raw []byte) (*domain.RunnerConfig, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}
	return doc.runnerConfig, nil
}
