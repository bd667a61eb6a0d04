package engine

import (
	"fmt"
	"strings"
	"time"

	"slotwatch/internal/channel"
	"slotwatch/internal/storage"
)

// dayLabel turns a queue entry date into the label users see
// ("today", "tomorrow", or the weekday with date).
func dayLabel(date string, now time.Time, loc *time.Location) string {
	d, err := time.ParseInLocation(storage.DateLayout, date, loc)
	if err != nil {
		return date
	}
	cur := now.In(loc)
	today := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, loc)
	switch days := int(d.Sub(today).Hours() / 24); days {
	case 0:
		return "today"
	case 1:
		return "tomorrow"
	default:
		return d.Format("Monday, 2 Jan")
	}
}

func renderDirectText(label, date string, times []string) string {
	var b strings.Builder
	b.WriteString("🎯 <b>Slots available ")
	b.WriteString(label)
	b.WriteString("</b> (")
	b.WriteString(date)
	b.WriteString(")")
	if len(times) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(times, ", "))
	}
	return b.String()
}

func pushPayload(label, date string, times []string) channel.PushNotification {
	return channel.PushNotification{
		Title: fmt.Sprintf("Slots available %s", label),
		Body:  strings.Join(times, ", "),
		Date:  date,
		Times: times,
	}
}
