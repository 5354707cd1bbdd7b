// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate

	sessionIDPattern = regexp.MustCompile(`^session_\d{3,}$`)
	rfcIDPattern     = regexp.MustCompile(`^RFC_\d{3,}$`)
	adrIDPattern     = regexp.MustCompile(`^ADR_\d{3,}$`)
)

// adrForbiddenKeys are modification timestamps an ADR payload must never
// carry.
var adrForbiddenKeys = []string{
	"last_modified", "lastModified",
	"updated_at", "updatedAt",
	"modified_at", "modifiedAt",
}

func init() {
	validate = validator.New()

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Timestamps validate as their ISO-8601 string; zero is "absent".
	validate.RegisterCustomTypeFunc(func(v reflect.Value) any {
		dt, ok := v.Interface().(strfmt.DateTime)
		if !ok || time.Time(dt).IsZero() {
			return ""
		}
		return dt.String()
	}, strfmt.DateTime{})

	mustRegister("session_id", matchPattern(sessionIDPattern))
	mustRegister("rfc_id", matchPattern(rfcIDPattern))
	mustRegister("adr_id", matchPattern(adrIDPattern))
}

func mustRegister(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validator: %v", tag, err))
	}
}

func matchPattern(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

// IsSessionID reports whether id has the session_NNN form.
func IsSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks a record against its schema.
//
// Description:
//
//	Enforces required fields, closed enums, numeric bounds (version >= 1,
//	uncertainty 0..3, change counts >= 0), RFC option counts and id formats.
//	Every failing field is reported, not just the first.
//
// Inputs:
//
//	v - Pointer to a KnowledgeModel, StateRecord, QueueProposal, RFC, ADR or
//	    SessionLog.
//
// Outputs:
//
//	error - *ValidationError listing every failing field, or nil.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: []FieldError{{Field: "", Rule: "invalid", Detail: err.Error()}}}
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{
			Field:  trimNamespace(fe.Namespace()),
			Rule:   fe.Tag(),
			Detail: describe(fe),
		})
	}
	return &ValidationError{Fields: fields}
}

func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "max":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	case "session_id":
		return fmt.Sprintf("must match session_NNN, got %v", fe.Value())
	case "rfc_id":
		return fmt.Sprintf("must match RFC_NNN, got %v", fe.Value())
	case "adr_id":
		return fmt.Sprintf("must match ADR_NNN, got %v", fe.Value())
	default:
		return ""
	}
}

// =============================================================================
// Decoding
// =============================================================================

// DecodeKnowledge parses and validates a knowledge model payload.
func DecodeKnowledge(data []byte) (*KnowledgeModel, error) {
	return decode[KnowledgeModel](data)
}

// DecodeRFC parses and validates an RFC payload.
func DecodeRFC(data []byte) (*RFC, error) {
	return decode[RFC](data)
}

// DecodeSessionLog parses and validates a session log payload.
func DecodeSessionLog(data []byte) (*SessionLog, error) {
	return decode[SessionLog](data)
}

// DecodeADR parses and validates an ADR payload. Payloads carrying any
// modification timestamp are rejected before field validation.
func DecodeADR(data []byte) (*ADR, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, jsonError(err)
	}
	var found []FieldError
	for _, key := range adrForbiddenKeys {
		if _, ok := raw[key]; ok {
			found = append(found, FieldError{Field: key, Rule: "forbidden", Detail: "ADRs are immutable and carry no modification timestamp"})
		}
	}
	if len(found) > 0 {
		sort.Slice(found, func(i, j int) bool { return found[i].Field < found[j].Field })
		return nil, &ValidationError{Fields: found}
	}
	return decode[ADR](data)
}

func decode[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, jsonError(err)
	}
	if err := Validate(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func jsonError(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{Fields: []FieldError{{
			Field:  typeErr.Field,
			Rule:   "type",
			Detail: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}}}
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &ValidationError{Fields: []FieldError{{
			Field:  fmt.Sprintf("offset %d", syntaxErr.Offset),
			Rule:   "json",
			Detail: syntaxErr.Error(),
		}}}
	}
	// strfmt.DateTime and enum decoders surface their own parse errors.
	return &ValidationError{Fields: []FieldError{{Rule: "format", Detail: err.Error()}}}
}

// =============================================================================
// Encoding
// =============================================================================

// Encode validates v and renders it as indented JSON with a trailing newline.
func Encode(v any) ([]byte, error) {
	if err := Validate(v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}
