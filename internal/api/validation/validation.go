package validation

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/nkkko/clubpulse/internal/api/errors"
)

// maxBodyBytes caps request bodies on the local surface
const maxBodyBytes = 1 << 20

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.ValidationError("empty_request_body", "Request body is empty")
		}
		return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}
	return v.Validate()
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError("required_field_missing", field+" is required")
	}
	return nil
}

// Min validates that a number is not less than min
func Min(field string, value, min int) error {
	if value < min {
		return errors.ValidationError("min_value_not_met", field+" must be at least "+strconv.Itoa(min))
	}
	return nil
}

// Max validates that a number is not greater than max
func Max(field string, value, max int) error {
	if value > max {
		return errors.ValidationError("max_value_exceeded", field+" must be at most "+strconv.Itoa(max))
	}
	return nil
}

// PositiveIDs validates that every id is positive
func PositiveIDs(field string, ids []int64) error {
	for _, id := range ids {
		if id <= 0 {
			return errors.ValidationError("invalid_id", field+" must contain positive ids only")
		}
	}
	return nil
}

// QueryInt reads an optional non-negative integer query parameter
func QueryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.ValidationError("invalid_query", name+" must be a non-negative integer")
	}
	return n, nil
}

// PathID parses a positive integer path parameter
func PathID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.ValidationError("invalid_id", "Notification id must be a positive integer")
	}
	return id, nil
}
