package httpx

import "time"

// dateFormats are the three date forms RFC 7231 obliges a parser to accept.
var dateFormats = []string{
	time.RFC1123,
	"Monday, 02-Jan-06 15:04:05 MST", // RFC 850
	time.ANSIC,
}

// FormatDate renders a time in the IMF-fixdate form used on the wire.
func FormatDate(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}

// ParseDate parses an HTTP date in any of the accepted forms. The zero
// time is returned for unparseable input; conditional evaluation treats
// that as the header being absent.
func ParseDate(value string) time.Time {
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
