package models

import (
	"github.com/nkkko/clubpulse/internal/api/validation"
)

// MaxBulkIDs caps the ids accepted by one bulk request
const MaxBulkIDs = 500

// IDsRequest selects notifications for a bulk operation
type IDsRequest struct {
	IDs []int64 `json:"ids"`
}

// Validate validates the request
func (r *IDsRequest) Validate() error {
	if err := validation.Min("ids", len(r.IDs), 1); err != nil {
		return err
	}
	if err := validation.Max("ids", len(r.IDs), MaxBulkIDs); err != nil {
		return err
	}
	return validation.PositiveIDs("ids", r.IDs)
}

// TokenRequest replaces the session bearer token. An empty token signs out.
type TokenRequest struct {
	Token string `json:"token"`
}

// Validate validates the request
func (r *TokenRequest) Validate() error {
	return nil
}
