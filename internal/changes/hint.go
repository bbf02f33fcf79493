package changes

import (
	"encoding/json"
	"strings"
)

// Change kinds, matching the pull API's wire values.
const (
	KindAccount        = "account"
	KindArtifact       = "artifact"
	KindFeed           = "feed"
	KindFriends        = "friends"
	KindFriendRequest  = "friend_request"
	KindFriendAccepted = "friend_accepted"
	KindKV             = "kv"
	KindMachine        = "machine"
	KindSession        = "session"
	KindShare          = "share"
)

var validKinds = map[string]struct{}{
	KindAccount:        {},
	KindArtifact:       {},
	KindFeed:           {},
	KindFriends:        {},
	KindFriendRequest:  {},
	KindFriendAccepted: {},
	KindKV:             {},
	KindMachine:        {},
	KindSession:        {},
	KindShare:          {},
}

const maxHintKeys = 200

// Hint is a small, best-effort description of what changed. It is a tagged
// union on the wire: {"full":true}, {"keys":[...]}, or a free-form object
// supplied by the write path.
type Hint struct {
	full bool
	keys []string
	raw  json.RawMessage
}

func FullHint() Hint { return Hint{full: true} }

func KeysHint(keys []string) Hint { return Hint{keys: keys} }

func RawHint(raw json.RawMessage) Hint { return Hint{raw: raw} }

func (h Hint) IsZero() bool { return !h.full && h.keys == nil && len(h.raw) == 0 }

func (h Hint) MarshalJSON() ([]byte, error) {
	switch {
	case h.full:
		return []byte(`{"full":true}`), nil
	case h.keys != nil:
		return json.Marshal(map[string]any{"keys": h.keys})
	case len(h.raw) > 0:
		return h.raw, nil
	default:
		return []byte("null"), nil
	}
}

// compactHint bounds the hint before it is stored. A keys list longer than
// maxHintKeys, or containing non-string or empty entries, degrades to a
// conservative {"full":true} rather than silently losing keys.
func compactHint(h Hint) Hint {
	if h.full {
		return h
	}
	if h.keys != nil {
		if cleaned, ok := cleanKeys(h.keys); ok {
			return Hint{keys: cleaned}
		}
		return FullHint()
	}
	if len(h.raw) > 0 {
		return compactRawHint(h.raw)
	}
	return h
}

func cleanKeys(keys []string) ([]string, bool) {
	if len(keys) > maxHintKeys {
		return nil, false
	}
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return nil, false
		}
	}
	return keys, true
}

func compactRawHint(raw json.RawMessage) Hint {
	var record map[string]json.RawMessage
	if err := json.Unmarshal(raw, &record); err != nil {
		// Not an object; keep as-is. Write paths are expected to keep
		// hints small.
		return Hint{raw: raw}
	}
	rawKeys, ok := record["keys"]
	if !ok {
		return Hint{raw: raw}
	}

	var keys []string
	if err := json.Unmarshal(rawKeys, &keys); err != nil {
		return FullHint()
	}
	if _, ok := cleanKeys(keys); !ok {
		return FullHint()
	}
	return Hint{raw: raw}
}
