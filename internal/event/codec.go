package event

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	return json.Marshal(p)
}

// DecodePayload deserializes a stored payload by kind.
//
// The switch is the single place that maps wire kinds back to Go types;
// ParseKind guards it, so the default arm is unreachable for rows written by
// this process.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindProjectCreated:
		var v ProjectCreated
		err = json.Unmarshal(data, &v)
		p = v
	case KindProjectProgress:
		var v ProjectProgress
		err = json.Unmarshal(data, &v)
		p = v
	case KindProjectRelease:
		var v ProjectRelease
		err = json.Unmarshal(data, &v)
		p = v
	case KindProjectReleaseRevert:
		var v ProjectReleaseRevert
		err = json.Unmarshal(data, &v)
		p = v
	case KindProjectDropped:
		var v ProjectDropped
		err = json.Unmarshal(data, &v)
		p = v
	case KindProjectResumed:
		var v ProjectResumed
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
