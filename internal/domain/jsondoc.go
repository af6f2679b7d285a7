package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONDoc is a schema-less JSON payload stored as-is. An empty document
// persists as "{}".
type JSONDoc []byte

// NewJSONDoc marshals v into a document.
func NewJSONDoc(v any) (JSONDoc, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONDoc(b), nil
}

// MustJSONDoc is NewJSONDoc for values that are known to marshal.
func MustJSONDoc(v any) JSONDoc {
	d, err := NewJSONDoc(v)
	if err != nil {
		panic(err)
	}
	return d
}

// IsEmpty reports whether the document is unset, null or an empty object.
func (d JSONDoc) IsEmpty() bool {
	t := bytes.TrimSpace(d)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("{}"))
}

// Bytes returns the raw document, substituting "{}" when empty.
func (d JSONDoc) Bytes() []byte {
	if len(bytes.TrimSpace(d)) == 0 {
		return []byte("{}")
	}
	return []byte(d)
}

// Decode unmarshals the document into v. An empty document leaves v
// untouched.
func (d JSONDoc) Decode(v any) error {
	if d.IsEmpty() {
		return nil
	}
	return json.Unmarshal(d, v)
}

// MarshalJSON embeds the document verbatim.
func (d JSONDoc) MarshalJSON() ([]byte, error) {
	return d.Bytes(), nil
}

// UnmarshalJSON stores a copy of the raw document.
func (d *JSONDoc) UnmarshalJSON(b []byte) error {
	if d == nil {
		return errors.New("domain: UnmarshalJSON on nil JSONDoc")
	}
	*d = append((*d)[:0], b...)
	return nil
}

// Value implements driver.Valuer.
func (d JSONDoc) Value() (driver.Value, error) {
	b := d.Bytes()
	if !json.Valid(b) {
		return nil, fmt.Errorf("domain: invalid json document")
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (d *JSONDoc) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append(JSONDoc(nil), v...)
	case string:
		*d = JSONDoc(v)
	default:
		return fmt.Errorf("domain: cannot scan %T into JSONDoc", src)
	}
	return nil
}

// RoomConfig is the typed view of RoomMapping.Config. Unknown keys are kept
// in the stored document and ignored here.
type RoomConfig struct {
	// NotifyOnReply posts a notice into the room once a reply queued from
	// it has been published to the store.
	NotifyOnReply bool `json:"notify_on_reply"`
	// MinStarRating suppresses delivery of reviews rated below it. Zero
	// disables the filter.
	MinStarRating int `json:"min_star_rating"`
	// Format selects the chat rendering ("plain" or "html").
	Format string `json:"format"`
}

// AppSettings is the typed view of AppConfigRecord.ConfigDocument.
type AppSettings struct {
	DisplayName       string `json:"display_name,omitempty"`
	PollIntervalMs    int64  `json:"poll_interval_ms,omitempty"`
	MaxReviewsPerPoll int    `json:"max_reviews_per_poll,omitempty"`
	LookbackDays      int    `json:"lookback_days,omitempty"`
	RoomID            string `json:"room_id,omitempty"`
}
