package ml

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type typeEnvelope struct {
	Type string `json:"type"`
}

// DecodeClassifier dispatches on the document's "type" field.
func DecodeClassifier(payload []byte) (Classifier, error) {
	var envelope typeEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("read classifier type: %w", err)
	}
	switch envelope.Type {
	case TypeDecisionTree:
		model := &DecisionTree{}
		if err := decodeDocument(TypeDecisionTree, payload, model); err != nil {
			return nil, err
		}
		return model, nil
	case TypeLogisticRegression:
		model := &LogisticRegression{}
		if err := decodeDocument(TypeLogisticRegression, payload, model); err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", envelope.Type)
	}
}

func DecodeScaler(payload []byte) (Scaler, error) {
	scaler := &StandardScaler{}
	if err := decodeDocument(TypeStandardScaler, payload, scaler); err != nil {
		return nil, err
	}
	return scaler, nil
}

func DecodeEncoder(payload []byte) (Encoder, error) {
	encoder := &LabelEncoder{}
	if err := decodeDocument(TypeLabelEncoder, payload, encoder); err != nil {
		return nil, err
	}
	return encoder, nil
}

// SaveArtifact writes v as an indented JSON document.
func SaveArtifact(path string, v json.Marshaler) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func decodeDocument(kind string, payload []byte, into json.Unmarshaler) error {
	if err := validateDocument(kind, payload); err != nil {
		return err
	}
	return into.UnmarshalJSON(payload)
}

func validateDocument(kind string, payload []byte) error {
	schema, err := schemaFS.ReadFile("schemas/" + kind + ".json")
	if err != nil {
		return fmt.Errorf("no schema for %s: %w", kind, err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("validate %s: %w", kind, err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return errors.New(kind + " schema violation: " + strings.Join(errs, "; "))
	}
	return nil
}
