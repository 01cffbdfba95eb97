package whatsapp

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// prePlainRe matches the data-pre-plain-text attribute WhatsApp Web puts on
// message bubbles: "[HH:MM, DD/MM/YYYY] Sender Name: ".
var prePlainRe = regexp.MustCompile(`^\[(\d{1,2}):(\d{2}), (\d{1,2})/(\d{1,2})/(\d{4})\] (.+?): ?$`)

// parsePrePlainText extracts sender and timestamp from a
// data-pre-plain-text attribute value.
func parsePrePlainText(s string) (sender string, ts time.Time, ok bool) {
	m := prePlainRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", time.Time{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	month, _ := strconv.Atoi(m[4])
	year, _ := strconv.Atoi(m[5])
	if hour > 23 || minute > 59 || month < 1 || month > 12 || day < 1 || day > 31 {
		return "", time.Time{}, false
	}
	return m[6], time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC), true
}

// parseRelativeTimestamp handles the short forms WhatsApp shows in the
// message footer: "HH:MM" (today), "Yesterday", or "DD/MM/YYYY". Falls
// back to now when the form is unrecognized.
func parseRelativeTimestamp(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)

	if len(s) <= 5 && strings.Contains(s, ":") {
		parts := strings.SplitN(s, ":", 2)
		hour, err1 := strconv.Atoi(parts[0])
		minute, err2 := strconv.Atoi(parts[1])
		if err1 == nil && err2 == nil && hour <= 23 && minute <= 59 {
			return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		}
		return now
	}

	if strings.EqualFold(s, "yesterday") {
		return now.AddDate(0, 0, -1)
	}

	if strings.Contains(s, "/") {
		if t, err := time.ParseInLocation("2/1/2006", s, now.Location()); err == nil {
			return t
		}
		if t, err := time.ParseInLocation("02/01/2006", s, now.Location()); err == nil {
			return t
		}
	}

	return now
}

var (
	spaceRe   = regexp.MustCompile(`\s+`)
	specialRe = regexp.MustCompile(`[^\w\s.,!?;:\-@#'"]`)
)

// cleanText collapses whitespace and strips control/ornamental characters
// while keeping basic punctuation.
func cleanText(s string) string {
	s = spaceRe.ReplaceAllString(s, " ")
	s = specialRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
