package importer

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

const (
	RowsMin = 1
	RowsMax = 5000

	envelopeSchemaURL = "https://omnivia.local/schemas/projects-import-envelope.json"
)

// RequiredKeys are checked in order so the first missing key is reported.
var RequiredKeys = []string{"tenant_id", "source", "batch_id", "rows"}

//go:embed envelope.schema.json
var envelopeSchemaJSON string

var envelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("importer: parse envelope schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("importer: add envelope schema: %v", err))
	}
	return compiler.MustCompile(envelopeSchemaURL)
}

// Envelope is a validated import batch. BatchID and CorrelationID hold the
// trimmed client values; the service coerces them to UUIDs.
type Envelope struct {
	TenantID      string
	Source        string
	BatchID       string
	CorrelationID string
	Rows          []map[string]any
}

// CheckIdentity validates the fields needed before admission: the required
// keys are present and tenant_id and source are non-blank strings.
func CheckIdentity(doc map[string]any) *ValidationError {
	for _, key := range RequiredKeys {
		if _, ok := doc[key]; !ok {
			return invalid(key, "Missing required field: "+key)
		}
	}
	for _, key := range []string{"tenant_id", "source"} {
		if trimString(stringOnly(doc[key])) == "" {
			return invalid(key, key+" must be a non-empty string")
		}
	}
	return nil
}

func stringOnly(v any) any {
	if s, ok := v.(string); ok {
		return s
	}
	return nil
}

// ParseEnvelope validates doc against the envelope schema and extracts the
// typed envelope. The returned error names the first offending field.
func ParseEnvelope(doc map[string]any) (Envelope, *ValidationError) {
	if verr := CheckIdentity(doc); verr != nil {
		return Envelope{}, verr
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return Envelope{}, schemaViolation(err)
	}

	rawRows, _ := doc["rows"].([]any)
	rows := make([]map[string]any, 0, len(rawRows))
	for _, item := range rawRows {
		row, _ := item.(map[string]any)
		rows = append(rows, row)
	}
	return Envelope{
		TenantID:      trimString(doc["tenant_id"]),
		Source:        trimString(doc["source"]),
		BatchID:       trimString(doc["batch_id"]),
		CorrelationID: trimString(stringOnly(doc["correlation_id"])),
		Rows:          rows,
	}, nil
}

func schemaViolation(err error) *ValidationError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return invalid("", "envelope is invalid")
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	if required, ok := leaf.ErrorKind.(*kind.Required); ok && len(required.Missing) > 0 {
		return invalid(required.Missing[0], "Missing required field: "+required.Missing[0])
	}
	if len(leaf.InstanceLocation) == 0 {
		return invalid("", "Body must be a JSON object")
	}

	field := leaf.InstanceLocation[0]
	switch field {
	case "tenant_id", "source":
		return invalid(field, field+" must be a non-empty string")
	case "rows":
		if len(leaf.InstanceLocation) > 1 {
			return invalid(field, fmt.Sprintf("rows[%s] must be an object", leaf.InstanceLocation[1]))
		}
		switch leaf.ErrorKind.(type) {
		case *kind.MinItems, *kind.MaxItems:
			return invalid(field, fmt.Sprintf("rows length must be between %d and %d", RowsMin, RowsMax))
		default:
			return invalid(field, "rows must be an array")
		}
	default:
		return invalid(field, field+" is invalid")
	}
}
