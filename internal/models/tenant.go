package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidTenantID is returned when a tenant identifier is empty or not a scalar.
var ErrInvalidTenantID = errors.New("invalid tenant id")

// TenantID identifies a tenant (the upstream account). Producers emit it as
// either a JSON number or a JSON string, both decode to the same value.
type TenantID string

func (id TenantID) String() string {
	return string(id)
}

// UnmarshalJSON accepts `42` and `"42"`.
func (id *TenantID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: missing value", ErrInvalidTenantID)
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTenantID, err)
		}
		if s == "" {
			return fmt.Errorf("%w: empty string", ErrInvalidTenantID)
		}
		*id = TenantID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTenantID, err)
	}
	*id = TenantID(n.String())
	return nil
}

// Tenant is the identity and contact data used to build the signing subject.
type Tenant struct {
	ID          TenantID
	DisplayName string
	Email       string
	Slug        string
}

// CommonName renders the certificate common name, "<display name> (<email>)".
func (t *Tenant) CommonName() string {
	return fmt.Sprintf("%s (%s)", t.DisplayName, t.Email)
}
