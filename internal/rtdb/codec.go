package rtdb

import "encoding/json"

func encodeRecord(v map[string]interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// decodeAny decodes a stored value without assuming it is an object:
// spec.md explicitly allows a malformed producer write to leave a
// non-mapping value (an array, string, or number) at a task location,
// and ClaimFor must detect and quarantine that case.
func decodeAny(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// AsRecord type-asserts a value read from rtdb into a record map. ok is
// false for nil values and for malformed (non-object) values.
func AsRecord(v interface{}) (record map[string]interface{}, ok bool) {
	if v == nil {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}
