package envelope

import "encoding/json"

// Validate reports whether raw is a well-formed message of the given kind.
// The check is permissive about unknown fields: anything beyond the required
// set is ignored. Callers turn a false result into a request error at the
// boundary; Validate itself never mutates state.
func Validate(raw []byte, kind Kind) bool {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	if !hasNonNull(msg, "id") || !hasNonNull(msg, "timestamp") {
		return false
	}
	switch kind {
	case KindRequest:
		return hasNonNull(msg, "type") && hasKey(msg, "payload")
	case KindResponse:
		return hasNonNull(msg, "requestId") && hasNonNull(msg, "status")
	case KindNotification:
		return hasNonNull(msg, "type") && hasKey(msg, "data")
	default:
		return false
	}
}

// ValidRequest reports whether a decoded request carries the required fields.
func ValidRequest(req *Request) bool {
	return req != nil && req.ID != "" && !req.Timestamp.IsZero() && req.Type != "" && req.Payload != nil
}

// ValidResponse reports whether a decoded response carries the required fields.
func ValidResponse(res *Response) bool {
	return res != nil && res.ID != "" && !res.Timestamp.IsZero() && res.RequestID != "" && res.Status != ""
}

func hasKey(msg map[string]json.RawMessage, key string) bool {
	_, ok := msg[key]
	return ok
}

func hasNonNull(msg map[string]json.RawMessage, key string) bool {
	v, ok := msg[key]
	if !ok {
		return false
	}
	s := string(v)
	return s != "null" && s != `""`
}
