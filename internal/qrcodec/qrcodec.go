// Package qrcodec converts the QR transport record to and from the string
// printed in the QR code: standard base64 over a compact JSON object.
package qrcodec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Record is everything a pharmacist needs to locate and verify a prescription.
// Patient identity beyond the INS number never travels in the code.
type Record struct {
	PrescriptionID     string `json:"prescriptionId"`
	PrescriptionNumber string `json:"prescriptionNumber"`
	PatientInsNumber   string `json:"patientInsNumber"`
	Signature          string `json:"signature"`
	Nonce              string `json:"nonce"`
	Timestamp          int64  `json:"timestamp"`
}

// DecodeError the scanned text is not a well-formed transport record. It says
// nothing about the authenticity of the prescription.
type DecodeError struct {
	Stage  string // base64, json, schema
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid QR payload (%s): %s", e.Stage, e.Reason)
}

const recordSchema = `{
  "type": "object",
  "required": ["prescriptionId", "prescriptionNumber", "patientInsNumber", "signature", "nonce", "timestamp"],
  "properties": {
    "prescriptionId":     {"type": "string", "minLength": 1},
    "prescriptionNumber": {"type": "string", "minLength": 1},
    "patientInsNumber":   {"type": "string", "minLength": 1},
    "signature":          {"type": "string", "pattern": "^[0-9a-f]{128}$"},
    "nonce":              {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "timestamp":          {"type": "integer", "minimum": 1}
  }
}`

var schema = mustSchema(recordSchema)

func mustSchema(s string) *gojsonschema.Schema {
	sc, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("qrcodec: bad schema: %v", err))
	}
	return sc
}

// Encode validates r and returns the QR text.
func Encode(r Record) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal QR record: %w", err)
	}
	if err := validate(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses QR text. Every failure is a *DecodeError.
func Decode(payload string) (Record, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return Record{}, &DecodeError{Stage: "base64", Reason: err.Error()}
	}
	if !json.Valid(raw) {
		return Record{}, &DecodeError{Stage: "json", Reason: "not a JSON document"}
	}
	if err := validate(raw); err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, &DecodeError{Stage: "json", Reason: err.Error()}
	}
	return r, nil
}

func validate(raw []byte) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &DecodeError{Stage: "json", Reason: err.Error()}
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return &DecodeError{Stage: "schema", Reason: strings.Join(msgs, "; ")}
}
