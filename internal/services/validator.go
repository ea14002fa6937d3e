package services

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request schema names.
const (
	SchemaCreateTask    = "create_task"
	SchemaApply         = "apply"
	SchemaSelect        = "select"
	SchemaAssign        = "assign"
	SchemaSubmit        = "submit"
	SchemaDispute       = "dispute"
	SchemaRespond       = "respond"
	SchemaResolve       = "resolve"
	SchemaTopUp         = "top_up"
	SchemaWithdraw      = "withdraw"
	SchemaReview        = "review"
	SchemaRegisterAgent = "register_agent"
	SchemaRegister      = "register"
	SchemaLogin         = "login"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks request bodies against the JSON Schemas in schemas/.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded request schema.
func NewValidator() (*Validator, error) {
	names, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		key := strings.TrimSuffix(path.Base(name), ".json")
		s, err := jsonschema.CompileString("https://agentmarket.dev/schemas/"+key+".json", string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", key, err)
		}
		schemas[key] = s
	}
	return &Validator{schemas: schemas}, nil
}

// Validate returns a validation *Error naming the first offending field when
// body does not satisfy the named schema.
func (v *Validator) Validate(name string, body []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown request schema %q", name)
	}
	// Numbers stay json.Number so bounds checks are exact.
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return validationf("invalid JSON body")
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return validationf("%s", describe(ve))
		}
		return validationf("invalid request body")
	}
	return nil
}

// describe flattens a validation error tree to its first leaf.
func describe(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	if field == "" {
		return ve.Message
	}
	return field + ": " + ve.Message
}
