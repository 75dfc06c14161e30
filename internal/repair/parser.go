package repair

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
)

// Result is a validated document.
type Result[T any] struct {
	Value T
	// Repaired is set when the document only parsed after truncation repair.
	Repaired bool
}

// Parser validates documents against a JSON schema and decodes them into T.
type Parser[T any] struct {
	schema   *gojsonschema.Schema
	newValue func() T
	logger   *logging.Logger
}

// NewParser compiles schemaJSON. newValue, when set, supplies the value each
// document is decoded into, so fields dropped by repair keep its defaults.
func NewParser[T any](schemaJSON string, newValue func() T, logger *logging.Logger) (*Parser[T], error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	if newValue == nil {
		newValue = func() T {
			var zero T
			return zero
		}
	}
	return &Parser[T]{schema: schema, newValue: newValue, logger: logger.Component("repair")}, nil
}

// Parse extracts, validates and decodes the document in raw. Output that
// cannot be recovered returns an error wrapping errors.ErrMalformedResponse,
// which is not retried.
func (p *Parser[T]) Parse(raw string) (*Result[T], error) {
	candidate := Extract(raw)

	value, err := p.decode(candidate)
	if err == nil {
		metrics.RecordParse("direct")
		return &Result[T]{Value: value}, nil
	}
	p.logger.Debug("direct parse failed, attempting repair: %v", err)

	repaired := Repair(candidate)
	value, rerr := p.decode(repaired)
	if rerr == nil {
		metrics.RecordParse("repaired")
		p.logger.Info("recovered truncated response (%d -> %d bytes)", len(candidate), len(repaired))
		return &Result[T]{Value: value, Repaired: true}, nil
	}

	metrics.RecordParse("failed")
	return nil, fmt.Errorf("%w: %v", dserrors.ErrMalformedResponse, rerr)
}

func (p *Parser[T]) decode(doc string) (T, error) {
	var zero T
	result, err := p.schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return zero, fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return zero, fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
	}

	value := p.newValue()
	if err := json.Unmarshal([]byte(doc), &value); err != nil {
		return zero, fmt.Errorf("decode: %w", err)
	}
	return value, nil
}
