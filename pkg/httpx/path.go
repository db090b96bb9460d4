package httpx

import (
	"strings"

	"github.com/emweb-io/emweb/pkg/errors"
)

// pathChars allows the characters a request target may carry in the clear.
// Control bytes, space and DEL are rejected outright; everything printable
// is accepted because the target is split and decoded afterwards.
func pathCharOK(c byte) bool {
	return c > 0x20 && c != 0x7f
}

// ValidatePath checks a raw request target: no raw control characters and
// no %-escape that decodes to a disallowed byte.
func ValidatePath(target string) error {
	if target == "" {
		return errors.NewProtocolError("empty request target", nil)
	}
	for i := 0; i < len(target); i++ {
		c := target[i]
		if !pathCharOK(c) {
			return errors.NewProtocolError("invalid character in request target", nil)
		}
		if c == '%' {
			if i+2 >= len(target) {
				return errors.NewProtocolError("truncated percent escape", nil)
			}
			decoded, ok := unhexByte(target[i+1], target[i+2])
			if !ok {
				return errors.NewProtocolError("invalid percent escape", nil)
			}
			if !pathCharOK(decoded) && decoded != ' ' {
				return errors.NewProtocolError("escaped control character in request target", nil)
			}
			i += 2
		}
	}
	return nil
}

// Decode resolves %-escapes and '+' in a path or query component. Escapes
// were pre-validated by ValidatePath on the server path.
func Decode(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s):
			if decoded, ok := unhexByte(s[i+1], s[i+2]); ok {
				b.WriteByte(decoded)
				i += 2
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// NormalizePath collapses "./", "../" and redundant slashes. The path must
// start with "/" and may not traverse above the root.
func NormalizePath(path string) (string, error) {
	if path == "" || path[0] != '/' {
		return "", errors.NewProtocolError("path must start with /", nil)
	}

	segments := strings.Split(path, "/")
	stack := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			// Redundant slash or current directory
		case "..":
			if len(stack) == 0 {
				return "", errors.NewProtocolError("path traversal above root", nil)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}

	normalized := "/" + strings.Join(stack, "/")
	if strings.HasSuffix(path, "/") && normalized != "/" {
		normalized += "/"
	}
	return normalized, nil
}

// SplitTarget separates a request target into path, query and hash parts.
func SplitTarget(target string) (path, query, hash string) {
	path = target
	if idx := strings.IndexByte(path, '#'); idx >= 0 {
		hash = path[idx+1:]
		path = path[:idx]
	}
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		query = path[idx+1:]
		path = path[:idx]
	}
	return path, query, hash
}

func unhexByte(hi, lo byte) (byte, bool) {
	h, ok1 := unhex(hi)
	l, ok2 := unhex(lo)
	return h<<4 | l, ok1 && ok2
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
