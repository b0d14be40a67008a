package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const TypeLabelEncoder = "label_encoder"

// DefaultClasses is the tier order used when training data contains exactly
// these names.
var DefaultClasses = []string{"small", "medium", "large"}

type LabelEncoder struct {
	classes []string
	index   map[string]int
}

type labelEncoderDocument struct {
	Type    string   `json:"type"`
	Classes []string `json:"classes"`
}

func NewLabelEncoder(classes []string) (*LabelEncoder, error) {
	if len(classes) == 0 {
		return nil, errors.New("encoder has no classes")
	}
	index := make(map[string]int, len(classes))
	for i, name := range classes {
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate class %q", name)
		}
		index[name] = i
	}
	return &LabelEncoder{classes: append([]string(nil), classes...), index: index}, nil
}

// FitLabelEncoder keeps DefaultClasses order when the observed names are a
// subset of it, otherwise sorts them.
func FitLabelEncoder(names []string) (*LabelEncoder, error) {
	seen := make(map[string]bool)
	for _, name := range names {
		seen[name] = true
	}
	ordered := make([]string, 0, len(seen))
	for _, name := range DefaultClasses {
		if seen[name] {
			ordered = append(ordered, name)
		}
	}
	if len(ordered) != len(seen) {
		ordered = ordered[:0]
		for name := range seen {
			ordered = append(ordered, name)
		}
		sort.Strings(ordered)
	}
	return NewLabelEncoder(ordered)
}

func (e *LabelEncoder) Decode(label int) (string, error) {
	if label < 0 || label >= len(e.classes) {
		return "", fmt.Errorf("label %d outside encoder range [0,%d)", label, len(e.classes))
	}
	return e.classes[label], nil
}

func (e *LabelEncoder) Encode(name string) (int, error) {
	label, ok := e.index[name]
	if !ok {
		return 0, fmt.Errorf("unknown class %q", name)
	}
	return label, nil
}

func (e *LabelEncoder) ClassNames() []string {
	return append([]string(nil), e.classes...)
}

func (e *LabelEncoder) MarshalJSON() ([]byte, error) {
	return json.Marshal(labelEncoderDocument{Type: TypeLabelEncoder, Classes: e.classes})
}

func (e *LabelEncoder) UnmarshalJSON(payload []byte) error {
	var doc labelEncoderDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	enc, err := NewLabelEncoder(doc.Classes)
	if err != nil {
		return err
	}
	*e = *enc
	return nil
}
