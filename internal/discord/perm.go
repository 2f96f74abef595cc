package discord

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Permissions is a Discord permission bitmask.
type Permissions uint64

// Permission bits used by the integration. Discord defines many more; we
// only ever touch these two.
const (
	PermViewChannel    Permissions = 1 << 10
	PermManageMessages Permissions = 1 << 13
)

// Has reports whether p contains all bits of q.
func (p Permissions) Has(q Permissions) bool {
	return p&q == q
}

// OverwriteType distinguishes role overwrites from user (member) overwrites.
type OverwriteType int

const (
	OverwriteRole OverwriteType = 0
	OverwriteUser OverwriteType = 1
)

// Overwrite is an allow/deny permission pair scoped to a single role or
// user, layered on top of a channel's inherited permissions.
//
// Overwrite is a comparable value type: two overwrites are equal when their
// entity, type and both bitmasks match, so overwrite lists can be diffed
// with plain map/set operations.
type Overwrite struct {
	ID    string
	Type  OverwriteType
	Allow Permissions
	Deny  Permissions
}

// Grant sets perm in the allow mask and clears it from deny.
func (o *Overwrite) Grant(perm Permissions) {
	o.Allow |= perm
	o.Deny &^= perm
}

// Revoke sets perm in the deny mask and clears it from allow.
func (o *Overwrite) Revoke(perm Permissions) {
	o.Deny |= perm
	o.Allow &^= perm
}

// Clear removes perm from both masks, so the entity inherits the
// channel/category default for that permission.
func (o *Overwrite) Clear(perm Permissions) {
	o.Allow &^= perm
	o.Deny &^= perm
}

// IsZero reports whether the overwrite neither allows nor denies anything.
func (o Overwrite) IsZero() bool {
	return o.Allow == 0 && o.Deny == 0
}

// apiOverwrite is the wire form: type is numeric and the bitmasks are
// decimal strings (Discord serializes 64-bit masks as strings).
type apiOverwrite struct {
	ID    string          `json:"id"`
	Type  json.RawMessage `json:"type"`
	Allow json.RawMessage `json:"allow"`
	Deny  json.RawMessage `json:"deny"`
}

// MarshalJSON emits the Discord API representation.
func (o Overwrite) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":    o.ID,
		"type":  int(o.Type),
		"allow": strconv.FormatUint(uint64(o.Allow), 10),
		"deny":  strconv.FormatUint(uint64(o.Deny), 10),
	})
}

// UnmarshalJSON accepts both the API representation (numeric type, string
// masks) and the mirror representation ("role"/"user" type, numeric masks),
// so cached rows written by older tooling still load.
func (o *Overwrite) UnmarshalJSON(data []byte) error {
	var raw apiOverwrite
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.ID = raw.ID

	typ, err := parseOverwriteType(raw.Type)
	if err != nil {
		return err
	}
	o.Type = typ

	allow, err := parseMask(raw.Allow)
	if err != nil {
		return fmt.Errorf("overwrite allow: %w", err)
	}
	deny, err := parseMask(raw.Deny)
	if err != nil {
		return fmt.Errorf("overwrite deny: %w", err)
	}
	o.Allow = allow
	o.Deny = deny
	return nil
}

func parseOverwriteType(raw json.RawMessage) (OverwriteType, error) {
	if len(raw) == 0 {
		return OverwriteRole, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		switch n {
		case 0:
			return OverwriteRole, nil
		case 1:
			return OverwriteUser, nil
		}
		return 0, fmt.Errorf("unknown overwrite type %d", n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unparseable overwrite type %s", raw)
	}
	switch s {
	case "role":
		return OverwriteRole, nil
	case "user":
		return OverwriteUser, nil
	}
	return 0, fmt.Errorf("unknown overwrite type %q", s)
}

func parseMask(raw json.RawMessage) (Permissions, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return Permissions(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unparseable mask %s", raw)
	}
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Permissions(n), nil
}

// OverwriteSetEqual compares two overwrite lists as value sets, ignoring
// order and duplicates.
func OverwriteSetEqual(a, b []Overwrite) bool {
	as := make(map[Overwrite]struct{}, len(a))
	for _, o := range a {
		as[o] = struct{}{}
	}
	bs := make(map[Overwrite]struct{}, len(b))
	for _, o := range b {
		bs[o] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for o := range as {
		if _, ok := bs[o]; !ok {
			return false
		}
	}
	return true
}
