package realtime

import (
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

const (
	longDateLayout = "02 January 2006"
	timeLayout     = "03:04 pm"
)

// History item types.
const (
	ItemDate     = "date"
	ItemSender   = "sender"
	ItemReceiver = "receiver"
)

// HistoryItem is one rendered entry of a history page: either a date separator or a message.
type HistoryItem struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`

	Message     *string        `json:"message,omitempty"`
	MessageType string         `json:"messageType,omitempty"`
	MessageID   string         `json:"messageId,omitempty"`
	Attachment  *v1.Attachment `json:"attachment,omitempty"`
	Time        string         `json:"time,omitempty"`
}

// Annotate renders msgs (chronological) for viewerID, inserting a date separator whenever
// the calendar day in loc changes.
func Annotate(msgs []StoredMessage, viewerID string, now time.Time, loc *time.Location) []HistoryItem {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]HistoryItem, 0, len(msgs)+4)

	lastDay := ""
	for _, m := range msgs {
		ts := m.Timestamp.In(loc)
		if day := ts.Format(bucketDateLayout); day != lastDay {
			out = append(out, HistoryItem{Type: ItemDate, Value: DateLabel(m.Timestamp, now, loc)})
			lastDay = day
		}

		it := HistoryItem{
			Type:        ItemReceiver,
			MessageType: "text",
			MessageID:   m.ID,
			Attachment:  toWireAttachment(m.Attachment),
			Time:        ts.Format(timeLayout),
		}
		if m.SenderID == viewerID {
			it.Type = ItemSender
		}
		if m.Text != "" {
			t := m.Text
			it.Message = &t
		}
		if m.Attachment != nil {
			it.MessageType = "attachment"
		}
		out = append(out, it)
	}
	return out
}

// DateLabel returns the separator label of t as seen at now:
// "Today", "Yesterday", a weekday name within the current Sunday-based week,
// otherwise the long date form.
func DateLabel(t, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	day := midnight(t.In(loc))
	today := midnight(now.In(loc))

	switch daysBetween(day, today) {
	case 0:
		return "Today"
	case 1:
		return "Yesterday"
	}

	weekStart := today.AddDate(0, 0, -int(today.Weekday()))
	if !day.Before(weekStart) {
		return day.Weekday().String()
	}
	return day.Format(longDateLayout)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from a to b, both at midnight. DST shifts are absorbed by rounding.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Round(24*time.Hour) / (24 * time.Hour))
}
