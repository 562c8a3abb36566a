package domain

// ValidSteamID checks a Steam64 ID. Lenient mode only rejects an empty
// value; strict mode requires at least 16 digits and nothing else.
func ValidSteamID(id string, strict bool) bool {
	if id == "" {
		return false
	}
	if !strict {
		return true
	}
	if len(id) < 16 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
