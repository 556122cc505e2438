package session

import (
	"fmt"
	"strconv"
	"time"
)

// RelativeTime renders a conversation timestamp for list rows.
func RelativeTime(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	d := now.Sub(*t)
	switch {
	case d < time.Minute:
		return "Just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
	return t.Local().Format("2 Jan")
}

// DateLabel names the day a message belongs to, for grouping separators.
func DateLabel(t, now time.Time) string {
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return "Today"
	}
	yy, ym, yd := now.AddDate(0, 0, -1).Date()
	if y1 == yy && m1 == ym && d1 == yd {
		return "Yesterday"
	}
	return t.Format("2 Jan 2006")
}

func ClockTime(t time.Time) string {
	return t.Format("15:04")
}

// Badge renders an unread count, capped at 9+. Zero renders empty.
func Badge(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > 9:
		return "9+"
	}
	return strconv.Itoa(n)
}
