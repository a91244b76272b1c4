package record

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// LegacyMemoID identifies a memo recovered from a plain-text desk note.
const LegacyMemoID = "legacy"

// Memo is one entry of the desk memo list. The list is stored as a JSON
// array inside Checks.Memos["toDesk"].
type Memo struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Date string `json:"date"`
}

// ParseMemos decodes a desk memo field. Plain text that is not a JSON array
// becomes a single legacy memo.
func ParseMemos(raw string) []Memo {
	if raw == "" {
		return nil
	}
	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return []Memo{{ID: LegacyMemoID, Text: raw}}
	}
	out := make([]Memo, 0, len(items))
	for _, item := range items {
		out = append(out, Memo{
			ID:   memoField(item["id"]),
			Text: memoField(item["text"]),
			Date: memoField(item["date"]),
		})
	}
	return out
}

// NewMemo returns a memo with a fresh id stamped at now.
func NewMemo(text string, now time.Time) Memo {
	return Memo{
		ID:   strconv.FormatInt(now.UnixMilli(), 10) + uuid.NewString()[:8],
		Text: text,
		Date: now.UTC().Format(time.RFC3339Nano),
	}
}

// AppendMemo adds m to the record's desk list.
func AppendMemo(r Record, m Memo) Record {
	out := r.Clone()
	memos := append(ParseMemos(out.Checks.Memos["toDesk"]), m)
	out.Checks.Memos["toDesk"] = encodeMemos(memos)
	return out
}

// DeleteMemo removes the memo with the given id. The field is emptied when
// no memos remain.
func DeleteMemo(r Record, memoID string) Record {
	out := r.Clone()
	memos := ParseMemos(out.Checks.Memos["toDesk"])
	kept := memos[:0]
	for _, m := range memos {
		if m.ID != memoID {
			kept = append(kept, m)
		}
	}
	out.Checks.Memos["toDesk"] = encodeMemos(kept)
	return out
}

func encodeMemos(memos []Memo) string {
	if len(memos) == 0 {
		return ""
	}
	data, err := json.Marshal(memos)
	if err != nil {
		return ""
	}
	return string(data)
}

func memoField(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}
