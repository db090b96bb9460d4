package httpx

import (
	"strconv"
	"strings"

	"github.com/emweb-io/emweb/pkg/errors"
)

// RangeSpec is one element of a Range header before resolution against the
// resource size. Start or End is -1 for the open side of "N-" and "-N"
// forms.
type RangeSpec struct {
	Start int64 // -1 for a suffix range
	End   int64 // Inclusive as on the wire; -1 when open-ended
}

// ByteRange is a resolved half-open range: Start inclusive, End exclusive.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the byte count covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// ContentRange renders the Content-Range value for the range against the
// full resource size.
func (r ByteRange) ContentRange(size int64) string {
	return "bytes " + strconv.FormatInt(r.Start, 10) + "-" +
		strconv.FormatInt(r.End-1, 10) + "/" + strconv.FormatInt(size, 10)
}

// ParseRange parses a "bytes=..." header into its ordered spec list.
// Returns nil with no error for non-byte units, which are ignored.
func ParseRange(value string) ([]RangeSpec, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes=") {
		return nil, nil
	}
	var specs []RangeSpec
	for _, part := range strings.Split(value[len("bytes="):], ",") {
		part = strings.TrimSpace(part)
		dash := strings.IndexByte(part, '-')
		if dash < 0 {
			return nil, errors.NewProtocolError("malformed range: "+part, nil)
		}
		startText, endText := part[:dash], part[dash+1:]
		spec := RangeSpec{Start: -1, End: -1}
		if startText != "" {
			start, err := strconv.ParseInt(startText, 10, 64)
			if err != nil || start < 0 {
				return nil, errors.NewProtocolError("malformed range start: "+part, nil)
			}
			spec.Start = start
		}
		if endText != "" {
			end, err := strconv.ParseInt(endText, 10, 64)
			if err != nil || end < 0 {
				return nil, errors.NewProtocolError("malformed range end: "+part, nil)
			}
			spec.End = end
		}
		if spec.Start == -1 && spec.End == -1 {
			return nil, errors.NewProtocolError("empty range: "+part, nil)
		}
		if spec.Start >= 0 && spec.End >= 0 && spec.End < spec.Start {
			return nil, errors.NewProtocolError("inverted range: "+part, nil)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, errors.NewProtocolError("empty range set", nil)
	}
	return specs, nil
}

// Resolve converts the spec into a half-open range for a resource of the
// given size. ok is false when the range cannot be satisfied.
func (s RangeSpec) Resolve(size int64) (ByteRange, bool) {
	switch {
	case s.Start == -1:
		// Suffix form "-N": last N bytes.
		n := s.End
		if n == 0 || size == 0 {
			return ByteRange{}, false
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size}, true
	case s.Start >= size:
		return ByteRange{}, false
	case s.End == -1 || s.End >= size:
		return ByteRange{Start: s.Start, End: size}, true
	default:
		return ByteRange{Start: s.Start, End: s.End + 1}, true
	}
}
