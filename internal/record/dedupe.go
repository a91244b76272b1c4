package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Deduplicate keeps one record per dedupe key. When two records share a key
// the one with the later UpdatedAt wins; on a tie the first one seen is kept.
// Output order follows the first appearance of each key.
func Deduplicate(records []Record) []Record {
	index := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		key := r.DedupeKey
		if key == "" {
			key = DedupeKey(r.Name, r.Classes)
		}
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, r)
			continue
		}
		if r.UpdatedAt > out[i].UpdatedAt {
			out[i] = r
		}
	}
	return out
}

// ContentHash returns a stable digest of the record's encoded content. Two
// records with equal hashes are treated as unchanged by the store.
func ContentHash(r Record) string {
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether a and b have the same content.
func Equal(a, b Record) bool {
	return ContentHash(a) == ContentHash(b)
}
