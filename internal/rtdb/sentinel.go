package rtdb

// serverTimestampSentinel is a marker written in place of a field's value
// to request that rtdb substitute the database server's current time at
// commit. Never compare against this type directly outside resolveSentinels;
// use the exported ServerTimestamp value.
type serverTimestampSentinel struct{}

// ServerTimestamp, assigned to a record field before a Transaction call,
// is replaced at commit time with the Redis server's current time in
// Unix milliseconds. It is never resolved client-side: doing so would mix
// the worker's local clock into a value meant to be authoritative.
var ServerTimestamp = serverTimestampSentinel{}

// isServerTimestamp reports whether v is the ServerTimestamp sentinel.
func isServerTimestamp(v interface{}) bool {
	_, ok := v.(serverTimestampSentinel)
	return ok
}

// resolveSentinels walks a flat record and replaces any ServerTimestamp
// sentinel values with now, expressed as Unix milliseconds. Records are
// flat maps of JSON-marshalable values; nested sentinels (inside
// _error_details, say) are resolved one level deep as well since that is
// the only place spec-level callers nest a timestamp.
func resolveSentinels(record map[string]interface{}, now int64) map[string]interface{} {
	resolved := make(map[string]interface{}, len(record))
	for k, v := range record {
		switch {
		case isServerTimestamp(v):
			resolved[k] = now
		case k == "_error_details":
			if m, ok := v.(map[string]interface{}); ok {
				nested := make(map[string]interface{}, len(m))
				for nk, nv := range m {
					if isServerTimestamp(nv) {
						nested[nk] = now
					} else {
						nested[nk] = nv
					}
				}
				resolved[k] = nested
				continue
			}
			resolved[k] = v
		default:
			resolved[k] = v
		}
	}
	return resolved
}
