package submission

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed payload.schema.json
var payloadSchemaJSON []byte

const payloadSchemaURL = "payload.schema.json"

var (
	payloadSchemaOnce sync.Once
	payloadSchema     *jsonschema.Schema
	payloadSchemaErr  error
)

func compiledPayloadSchema() (*jsonschema.Schema, error) {
	payloadSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payloadSchemaJSON))
		if err != nil {
			payloadSchemaErr = fmt.Errorf("parse payload schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat()
		if err := compiler.AddResource(payloadSchemaURL, doc); err != nil {
			payloadSchemaErr = fmt.Errorf("add payload schema: %w", err)
			return
		}
		payloadSchema, payloadSchemaErr = compiler.Compile(payloadSchemaURL)
	})
	return payloadSchema, payloadSchemaErr
}

// DecodePayload checks raw JSON against the payload schema and decodes it.
// Schema violations become a *ValidationError naming the offending field.
func DecodePayload(data []byte) (Payload, error) {
	schema, err := compiledPayloadSchema()
	if err != nil {
		return Payload{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Payload{}, &ValidationError{Message: "body must be valid JSON"}
	}
	if err := schema.Validate(instance); err != nil {
		var schemaErr *jsonschema.ValidationError
		if errors.As(err, &schemaErr) {
			return Payload{}, schemaValidationError(schemaErr)
		}
		return Payload{}, &ValidationError{Message: err.Error()}
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, &ValidationError{Message: err.Error()}
	}
	return payload, nil
}

func schemaValidationError(err *jsonschema.ValidationError) *ValidationError {
	leaf := deepestCause(err)
	field := strings.Join(leaf.InstanceLocation, ".")
	return &ValidationError{Field: field, Message: leaf.ErrorKind.LocalizedString(message.NewPrinter(language.English))}
}

func deepestCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err
}
