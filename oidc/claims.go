package oidc

import (
	"strings"
)

// ClaimState tags how a claim appeared in the token.
type ClaimState int

const (
	// ClaimAbsent means the claim was not in the token.
	ClaimAbsent ClaimState = iota
	// ClaimPresent means the claim was there with the expected shape.
	ClaimPresent
	// ClaimMalformed means the claim was there with an unusable shape.
	ClaimMalformed
)

func (s ClaimState) String() string {
	switch s {
	case ClaimPresent:
		return "present"
	case ClaimMalformed:
		return "malformed"
	default:
		return "absent"
	}
}

// ClaimStrings is a string-set claim such as roles.
type ClaimStrings struct {
	State  ClaimState
	Values []string
}

// ClaimString is a single-valued string claim such as the tenant.
type ClaimString struct {
	State ClaimState
	Value string
}

// lookupClaim resolves a dotted path ("realm_access.roles") in the claim map.
func lookupClaim(claims map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := claims[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur interface{} = claims
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// stringsClaim accepts a JSON array of strings or a space-separated string.
func stringsClaim(claims map[string]interface{}, path string) ClaimStrings {
	raw, ok := lookupClaim(claims, path)
	if !ok || raw == nil {
		return ClaimStrings{State: ClaimAbsent}
	}
	switch v := raw.(type) {
	case string:
		return ClaimStrings{State: ClaimPresent, Values: strings.Fields(v)}
	case []interface{}:
		values := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return ClaimStrings{State: ClaimMalformed}
			}
			values = append(values, s)
		}
		return ClaimStrings{State: ClaimPresent, Values: values}
	case []string:
		return ClaimStrings{State: ClaimPresent, Values: append([]string(nil), v...)}
	default:
		return ClaimStrings{State: ClaimMalformed}
	}
}

// stringClaim accepts a non-empty string. An empty string counts as absent.
func stringClaim(claims map[string]interface{}, path string) ClaimString {
	raw, ok := lookupClaim(claims, path)
	if !ok || raw == nil {
		return ClaimString{State: ClaimAbsent}
	}
	s, ok := raw.(string)
	if !ok {
		return ClaimString{State: ClaimMalformed}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ClaimString{State: ClaimAbsent}
	}
	return ClaimString{State: ClaimPresent, Value: s}
}

func optionalString(claims map[string]interface{}, key string) string {
	s, _ := claims[key].(string)
	return s
}
