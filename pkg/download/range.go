package download

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsatisfiableRange maps to HTTP 416.
var ErrUnsatisfiableRange = errors.New("requested range not satisfiable")

// Range is an inclusive byte range within a file's plaintext.
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r *Range) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range header value for a 206.
func (r *Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange parses a single-range Range header against the plaintext
// size. Supported forms: "bytes=a-b", "bytes=a-", "bytes=-n" (final n
// bytes). Multi-range requests are not supported and parse as errors.
// An empty header returns (nil, nil): the whole file.
func ParseRange(header string, size int64) (*Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("unsupported range unit in %q", header)
	}
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("multi-range requests not supported")
	}
	start, end, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, fmt.Errorf("malformed range %q", header)
	}
	start = strings.TrimSpace(start)
	end = strings.TrimSpace(end)

	// Suffix form: last n bytes.
	if start == "" {
		n, err := strconv.ParseInt(end, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("malformed suffix range %q", header)
		}
		if size == 0 {
			return nil, ErrUnsatisfiableRange
		}
		if n > size {
			n = size
		}
		return &Range{Start: size - n, End: size - 1}, nil
	}

	s, err := strconv.ParseInt(start, 10, 64)
	if err != nil || s < 0 {
		return nil, fmt.Errorf("malformed range start %q", header)
	}
	if s >= size {
		return nil, ErrUnsatisfiableRange
	}

	e := size - 1
	if end != "" {
		e, err = strconv.ParseInt(end, 10, 64)
		if err != nil || e < s {
			return nil, fmt.Errorf("malformed range end %q", header)
		}
		if e >= size {
			e = size - 1
		}
	}
	return &Range{Start: s, End: e}, nil
}
