// Package httprange implements the RFC 7233 byte-range grammar used by
// both the download side (Range requests) and the ranged upload side
// (client-submitted Content-Range on partial PUTs).
package httprange

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Range is one element of a Range header as written by the client.
// A suffix range ("-N") has SuffixLength >= 0 and Start/End unset.
// An open range ("N-") has End == -1.
type Range struct {
	Start        int64
	End          int64
	SuffixLength int64
}

// ByteRange is a normalized, fully resolved range: 0 <= Start <= End.
type ByteRange struct {
	Start int64
	End   int64
}

func (b ByteRange) Length() int64 {
	return b.End - b.Start + 1
}

// ContentRange carries the values of a Content-Range response header.
// Unsatisfiable is rendered as "bytes */Total".
type ContentRange struct {
	Start         int64
	End           int64
	Total         int64
	Unsatisfiable bool
}

// RangeError reports malformed or unsatisfiable range grammar.
type RangeError struct {
	Header string
	Reason string
}

func (e *RangeError) Error() string {
	if e.Header == "" {
		return fmt.Sprintf("range: %s", e.Reason)
	}
	return fmt.Sprintf("range %q: %s", e.Header, e.Reason)
}

func rangeErr(header, format string, args ...interface{}) error {
	return &RangeError{Header: header, Reason: fmt.Sprintf(format, args...)}
}

const bytesUnit = "bytes="

// ParseRangeHeader parses a Range request header of the form
// "bytes=start-end[,start-end...]" including suffix ("-N") and open
// ("N-") forms. The returned ranges are unresolved; use Normalize once
// the content length is known.
func ParseRangeHeader(header string) ([]Range, error) {
	var (
		ranges []Range
	)
	h := strings.TrimSpace(header)
	if !strings.HasPrefix(h, bytesUnit) {
		return nil, rangeErr(header, "missing bytes= unit")
	}
	specs := strings.Split(strings.TrimPrefix(h, bytesUnit), ",")
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		r, err := parseRangeSpec(header, spec)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return nil, rangeErr(header, "empty range list")
	}
	return ranges, nil
}

func parseRangeSpec(header, spec string) (Range, error) {
	r := Range{Start: -1, End: -1, SuffixLength: -1}
	if strings.HasPrefix(spec, "-") {
		// suffix form: last N bytes
		n, err := strconv.ParseInt(strings.TrimPrefix(spec, "-"), 10, 64)
		if err != nil || n <= 0 {
			return r, rangeErr(header, "invalid suffix length %q", spec)
		}
		r.SuffixLength = n
		return r, nil
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return r, rangeErr(header, "invalid range spec %q", spec)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 {
		return r, rangeErr(header, "invalid range start %q", spec)
	}
	r.Start = start
	endStr := strings.TrimSpace(parts[1])
	if endStr == "" {
		// open form: start to end of resource
		return r, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return r, rangeErr(header, "invalid range end %q", spec)
	}
	if end < start {
		return r, rangeErr(header, "range start %d greater than end %d", start, end)
	}
	r.End = end
	return r, nil
}

// Normalize resolves a parsed range against the known content length:
// suffix ranges become the trailing N bytes, open ranges run to the last
// byte and ends are clamped to contentLength-1.
func Normalize(r Range, contentLength int64) (ByteRange, error) {
	if contentLength <= 0 {
		return ByteRange{}, rangeErr("", "content length %d not satisfiable", contentLength)
	}
	if r.SuffixLength >= 0 {
		n := r.SuffixLength
		if n > contentLength {
			n = contentLength
		}
		return ByteRange{Start: contentLength - n, End: contentLength - 1}, nil
	}
	if r.Start >= contentLength {
		return ByteRange{}, rangeErr("", "range start %d beyond content length %d", r.Start, contentLength)
	}
	end := r.End
	if end < 0 || end >= contentLength {
		end = contentLength - 1
	}
	return ByteRange{Start: r.Start, End: end}, nil
}

// NormalizeAll resolves every parsed range, failing on the first
// unsatisfiable one.
func NormalizeAll(ranges []Range, contentLength int64) ([]ByteRange, error) {
	var (
		out []ByteRange
	)
	for _, r := range ranges {
		br, err := Normalize(r, contentLength)
		if err != nil {
			return nil, err
		}
		out = append(out, br)
	}
	return out, nil
}

// MergeRanges sorts the ranges by start offset and coalesces overlapping
// or adjacent ones. The union of covered byte positions is unchanged.
func MergeRanges(ranges []ByteRange) []ByteRange {
	if len(ranges) <= 1 {
		return ranges
	}
	sorted := make([]ByteRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	merged := sorted[:1]
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// FormatContentRange renders a Content-Range response header value.
func FormatContentRange(cr ContentRange) string {
	if cr.Unsatisfiable {
		return fmt.Sprintf("bytes */%d", cr.Total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", cr.Start, cr.End, cr.Total)
}

// ParseContentRange parses a client-submitted Content-Range header on a
// partial upload, "bytes start-end/total". A "*" total comes back as -1.
func ParseContentRange(header string) (start, end, total int64, err error) {
	h := strings.TrimSpace(header)
	if !strings.HasPrefix(h, "bytes ") {
		return 0, 0, 0, rangeErr(header, "missing bytes unit")
	}
	h = strings.TrimSpace(strings.TrimPrefix(h, "bytes "))
	slash := strings.IndexByte(h, '/')
	if slash < 0 {
		return 0, 0, 0, rangeErr(header, "missing total")
	}
	rangePart, totalPart := h[:slash], h[slash+1:]
	if totalPart == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil || total < 0 {
			return 0, 0, 0, rangeErr(header, "invalid total %q", totalPart)
		}
	}
	parts := strings.SplitN(rangePart, "-", 2)
	if len(parts) != 2 {
		return 0, 0, 0, rangeErr(header, "invalid range %q", rangePart)
	}
	if start, err = strconv.ParseInt(parts[0], 10, 64); err != nil || start < 0 {
		return 0, 0, 0, rangeErr(header, "invalid range start %q", parts[0])
	}
	if end, err = strconv.ParseInt(parts[1], 10, 64); err != nil || end < start {
		return 0, 0, 0, rangeErr(header, "invalid range end %q", parts[1])
	}
	if total >= 0 && end >= total {
		return 0, 0, 0, rangeErr(header, "range end %d beyond total %d", end, total)
	}
	return start, end, total, nil
}

// IsComplete reports whether a single range covers the whole resource.
func IsComplete(start, end, total int64) bool {
	return start == 0 && end == total-1
}
