package amqp

import (
	"encoding/json"
	"time"

	"creatorbills/internal/sink"
)

// ExportCompletedMessage announces a finished export. It carries the run
// summary only; consumers fetch the CSV from the archive or the web UI.
type ExportCompletedMessage struct {
	SessionID   string    `json:"session_id"`
	Filename    string    `json:"filename"`
	GeneratedAt time.Time `json:"generated_at"`
	Years       []int     `json:"years"`
	Creators    int       `json:"creators"`
	Bills       int       `json:"bills"`
	Included    int       `json:"included"`
	Dropped     int       `json:"dropped"`
	Conflicts   int       `json:"conflicts"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewExportCompletedMessage(e sink.Export) *ExportCompletedMessage {
	return &ExportCompletedMessage{
		SessionID:   e.SessionID,
		Filename:    e.Filename,
		GeneratedAt: e.GeneratedAt,
		Years:       e.Summary.Years,
		Creators:    e.Summary.Creators,
		Bills:       e.Summary.Bills,
		Included:    e.Summary.Included,
		Dropped:     e.Summary.Dropped,
		Conflicts:   len(e.Summary.Conflicts),
		Timestamp:   time.Now(),
	}
}

func (m *ExportCompletedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ExportCompletedMessageFromJSON(data []byte) (*ExportCompletedMessage, error) {
	var msg ExportCompletedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
