package sessionlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Chunk is one transcribed block. Seq is the capture order of the block,
// so gaps mark blocks whose inference failed.
type Chunk struct {
	Seq  int    `json:"chunk"`
	Text string `json:"text"`
}

// Session is one recording run. End stays nil until the session is closed.
type Session struct {
	Name       string     `json:"-"`
	RunID      string     `json:"run_id,omitempty"`
	Start      Timestamp  `json:"start"`
	End        *Timestamp `json:"end"`
	Transcript []Chunk    `json:"transcriptions"`
}

// Closed reports whether the session has an end time
func (s *Session) Closed() bool { return s.End != nil }

// Timestamp is written as RFC 3339 and also accepts the zone-less ISO 8601
// form used by older logs, interpreted in local time.
type Timestamp struct {
	time.Time
}

var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range legacyLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
