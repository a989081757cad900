package pluck

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Spec describes what to load at one level of the association tree. It is a
// closed set of variants: Columns, Association, Associations, and Specs.
// A nil Spec adds nothing.
type Spec interface {
	apply(m *Model) error
}

// Columns are plain column names wanted at the current level.
type Columns []string

// Association descends into one named relationship.
type Association struct {
	Name  string
	Specs []Spec
}

// Associations descends into several relationships. Entries are applied in
// sorted name order; use Specs of Association values to control order.
type Associations map[string]Spec

// Specs is a mixed sequence; each element is applied independently.
type Specs []Spec

// Cols is shorthand for Columns.
func Cols(names ...string) Columns {
	return Columns(names)
}

// Assoc is shorthand for Association.
func Assoc(name string, specs ...Spec) Association {
	return Association{Name: name, Specs: specs}
}

func (c Columns) apply(m *Model) error {
	for _, name := range c {
		m.addNeedColumn(name)
	}
	return nil
}

func (a Association) apply(m *Model) error {
	child, err := m.child(a.Name)
	if err != nil {
		return err
	}
	return child.add(a.Specs...)
}

func (a Associations) apply(m *Model) error {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := (Association{Name: name, Specs: []Spec{a[name]}}).apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (s Specs) apply(m *Model) error {
	return m.add(s...)
}

// ParseSpec decodes a JSON spec. A string is one column, an array is a mixed
// sequence, and an object maps relationship names to nested specs. Object
// keys keep their document order; null decodes to a nil Spec.
func ParseSpec(data []byte) (Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	spec, err := decodeSpec(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid spec: unexpected data after top-level value")
	}
	return spec, nil
}

func decodeSpec(dec *json.Decoder) (Spec, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}
	return decodeValue(dec, tok)
}

func decodeValue(dec *json.Decoder, tok json.Token) (Spec, error) {
	switch v := tok.(type) {
	case nil:
		return nil, nil
	case string:
		return Columns{v}, nil
	case json.Delim:
		switch v {
		case '[':
			var specs Specs
			for dec.More() {
				spec, err := decodeSpec(dec)
				if err != nil {
					return nil, err
				}
				if spec != nil {
					specs = append(specs, spec)
				}
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("invalid spec: %w", err)
			}
			return specs, nil
		case '{':
			var specs Specs
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("invalid spec: %w", err)
				}
				name, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("invalid spec: association name must be a string")
				}
				nested, err := decodeSpec(dec)
				if err != nil {
					return nil, err
				}
				assoc := Association{Name: name}
				if nested != nil {
					assoc.Specs = []Spec{nested}
				}
				specs = append(specs, assoc)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("invalid spec: %w", err)
			}
			return specs, nil
		}
	}
	return nil, fmt.Errorf("invalid spec: unsupported value %v", tok)
}
