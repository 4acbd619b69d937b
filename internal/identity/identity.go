// Package identity normalizes heterogeneous caller-supplied identity
// fragments into one canonical record attached to every queued event.
package identity

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Identity is the canonical identity record. Primary is the first
// non-empty field in precedence order: UserID, Email, MobileNumber,
// AadhaarNumber, PassportID, Identifier.
type Identity struct {
	PassportID    string `json:"passportId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Email         string `json:"email,omitempty"`
	MobileNumber  string `json:"mobileNumber,omitempty"`
	AadhaarNumber string `json:"aadhaarNumber,omitempty"`
	Identifier    string `json:"identifier,omitempty"`
	Primary       string `json:"primary,omitempty"`
}

// Input is the loosely-shaped identity form accepted from producers.
// Any subset of fields may be set; legacy alias spellings are accepted
// through Normalize's map form.
type Input struct {
	PassportID    string
	UserID        string
	Email         string
	MobileNumber  string
	AadhaarNumber string
	Identifier    string
}

var womenPassportRe = regexp.MustCompile(`^(?i)WOMEN-\w+$`)
var bareNumericRe = regexp.MustCompile(`^\d+$`)

func clean(v string) string {
	return strings.TrimSpace(v)
}

// stringValue renders a scalar identity value without losing digits.
// JSON numbers decode as float64, and %v formats large ids in scientific
// notation, which would split `{"id": 123456789}` and `{"id": "123456789"}`
// into different subjects.
func stringValue(v any) string {
	switch n := v.(type) {
	case string:
		return clean(n)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case json.Number:
		return clean(n.String())
	default:
		return clean(fmt.Sprintf("%v", n))
	}
}

// firstNonEmpty of the map values under the given keys, cleaned.
func fromAliases(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if raw, ok := m[k]; ok && raw != nil {
			if v := stringValue(raw); v != "" {
				return v
			}
		}
	}
	return ""
}

// Normalize resolves a caller-supplied identity fragment into a canonical
// Identity. It accepts a bare string or number (treated as a passport-like
// identifier), an Input struct, or a map with any subset of recognized
// field names including their legacy alias spellings. The second return
// value is false when no field yields a usable value; callers must treat
// that as "cannot attach identity, do not enqueue".
func Normalize(input any) (*Identity, bool) {
	var id Identity

	switch v := input.(type) {
	case nil:
		return nil, false
	case *Identity:
		if v == nil {
			return nil, false
		}
		id = *v
		id.PassportID = clean(id.PassportID)
		id.UserID = clean(id.UserID)
		id.Email = clean(id.Email)
		id.MobileNumber = clean(id.MobileNumber)
		id.AadhaarNumber = clean(id.AadhaarNumber)
		id.Identifier = clean(id.Identifier)
	case Identity:
		return Normalize(&v)
	case string:
		if p := clean(v); p != "" {
			id.PassportID = p
		}
	case int, int32, int64, float64, json.Number:
		id.PassportID = stringValue(v)
	case Input:
		id = Identity{
			PassportID:    clean(v.PassportID),
			UserID:        clean(v.UserID),
			Email:         clean(v.Email),
			MobileNumber:  clean(v.MobileNumber),
			AadhaarNumber: clean(v.AadhaarNumber),
			Identifier:    clean(v.Identifier),
		}
	case map[string]any:
		id = Identity{
			PassportID:    fromAliases(v, "passportId", "passport_id"),
			MobileNumber:  fromAliases(v, "mobileNumber", "mobile", "phone"),
			AadhaarNumber: fromAliases(v, "aadhaarNumber", "aadhaar", "aadhaar_number"),
			UserID:        fromAliases(v, "userId", "id", "user_id"),
			Email:         fromAliases(v, "email", "userEmail"),
			Identifier:    fromAliases(v, "identifier", "uniqueId"),
		}
	default:
		return nil, false
	}

	derivePassport(&id)

	id.Primary = firstNonEmpty(id.UserID, id.Email, id.MobileNumber,
		id.AadhaarNumber, id.PassportID, id.Identifier)
	if id.Primary == "" {
		return nil, false
	}
	return &id, true
}

// derivePassport synthesizes a WOMEN-<userId> pseudo passport when the
// subject has a user id but no passport identifier of its own (or only a
// bare numeric / self-referential one). The remote acceptor rejects bare
// numeric ids that collide with unrelated account ids.
func derivePassport(id *Identity) {
	if id.UserID == "" {
		return
	}
	if womenPassportRe.MatchString(id.PassportID) {
		return
	}
	if id.PassportID == "" || bareNumericRe.MatchString(id.PassportID) || id.PassportID == id.UserID {
		id.PassportID = "WOMEN-" + id.UserID
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// WireFields expands the identity into the flat key set the remote
// acceptor expects. Historical API shapes disagreed on spelling, so both
// the camelCase and legacy forms of each value are emitted; the acceptor
// tolerates the superset.
func WireFields(id *Identity) map[string]string {
	fields := map[string]string{}
	if id == nil {
		return fields
	}

	assign := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}

	assign("passportId", firstNonEmpty(id.PassportID, id.Primary))
	assign("identifier", firstNonEmpty(id.Identifier, id.Primary))

	if id.UserID != "" {
		assign("userId", id.UserID)
		assign("user_id", id.UserID)
	}
	if id.MobileNumber != "" {
		assign("mobileNumber", id.MobileNumber)
		assign("mobile", id.MobileNumber)
	}
	if id.AadhaarNumber != "" {
		assign("aadhaarNumber", id.AadhaarNumber)
		assign("aadhaar", id.AadhaarNumber)
	}
	assign("email", id.Email)

	return fields
}

// HasAccountFields reports whether the identity carries at least one of
// the account-level fields the acceptor resolves subjects by. Records
// without any of these fall back to the engine's session identity.
func HasAccountFields(id *Identity) bool {
	return id != nil && (id.UserID != "" || id.Email != "" || id.MobileNumber != "")
}

// Merge fills empty fields of dst from src and recomputes the derived
// passport and primary. Used when layering the engine's session identity
// under a record's own partial identity.
func Merge(dst, src *Identity) *Identity {
	if dst == nil {
		return src
	}
	if src == nil {
		return dst
	}
	out := *dst
	if out.PassportID == "" {
		out.PassportID = src.PassportID
	}
	if out.UserID == "" {
		out.UserID = src.UserID
	}
	if out.Email == "" {
		out.Email = src.Email
	}
	if out.MobileNumber == "" {
		out.MobileNumber = src.MobileNumber
	}
	if out.AadhaarNumber == "" {
		out.AadhaarNumber = src.AadhaarNumber
	}
	if out.Identifier == "" {
		out.Identifier = src.Identifier
	}
	merged, ok := Normalize(&out)
	if !ok {
		return dst
	}
	return merged
}
