package memory

import (
	"cascadecore/pkg/domain"
	"encoding/json"
	"fmt"
)

// BucketName returns the snake_case storage bucket used for an entity type.
func BucketName(t EntityType) string {
	switch t {
	case domain.EntityOrganisationUnit:
		return "organisation_units"
	case domain.EntityDataSet:
		return "data_sets"
	case domain.EntityUser:
		return "users"
	case domain.EntityProgram:
		return "programs"
	case domain.EntityOrganisationUnitGroup:
		return "organisation_unit_groups"
	default:
		return string(t)
	}
}

// EncodeBucket serialises one bucket of the snapshot as a JSON object keyed by id.
func EncodeBucket(bucket map[string]Entity) ([]byte, error) {
	if bucket == nil {
		bucket = map[string]Entity{}
	}
	return json.Marshal(bucket)
}

// DecodeBucket restores a bucket written by EncodeBucket.
func DecodeBucket(t EntityType, payload []byte) (map[string]Entity, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", BucketName(t), err)
	}
	out := make(map[string]Entity, len(raw))
	for id, msg := range raw {
		e, ok := domain.NewEntity(t)
		if !ok {
			return nil, fmt.Errorf("decode %s: unknown entity type", t)
		}
		if err := json.Unmarshal(msg, e); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", BucketName(t), id, err)
		}
		out[id] = e
	}
	return out, nil
}
