package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

const tenantIDField = "account_id"

// ErrInvalidJob is returned when a queue message body cannot be parsed.
var ErrInvalidJob = errors.New("invalid provisioning job")

// ProvisioningJob requests provisioning for one tenant. Fields other than the
// tenant id are kept in Extra and written back unchanged.
type ProvisioningJob struct {
	TenantID TenantID
	Extra    map[string]json.RawMessage
}

// ParseProvisioningJob decodes a queue message body.
func ParseProvisioningJob(body []byte) (ProvisioningJob, error) {
	var job ProvisioningJob
	if err := json.Unmarshal(body, &job); err != nil {
		if errors.Is(err, ErrInvalidJob) {
			return ProvisioningJob{}, err
		}
		return ProvisioningJob{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return job, nil
}

func (j *ProvisioningJob) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	raw, ok := fields[tenantIDField]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrInvalidJob, tenantIDField)
	}

	var id TenantID
	if err := json.Unmarshal(raw, &id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	delete(fields, tenantIDField)

	j.TenantID = id
	j.Extra = nil
	if len(fields) > 0 {
		j.Extra = fields
	}
	return nil
}

func (j ProvisioningJob) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(j.Extra)+1)
	for k, v := range j.Extra {
		fields[k] = v
	}

	id, err := json.Marshal(string(j.TenantID))
	if err != nil {
		return nil, err
	}
	fields[tenantIDField] = id

	return json.Marshal(fields)
}
