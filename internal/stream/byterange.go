package stream

import (
	"strconv"
	"strings"

	"github.com/maneesh/vidstream/internal/apperr"
)

// ByteRange is an inclusive window [Start, End] into a file
type ByteRange struct {
	Start int64
	End   int64
}

// Length is the number of bytes in the window
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

func unsatisfiable(start, size int64) error {
	return apperr.New(apperr.RangeNotSatisfiable, "requested range not satisfiable").
		WithDetail("requestedStart", start).
		WithDetail("fileSize", size)
}

// ParseRange resolves a single "bytes=" range against a file of the given
// size. An empty header yields ok=false. The end is clamped to the last byte.
func ParseRange(header string, size int64) (r ByteRange, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return ByteRange{}, false, nil
	}

	ranges, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return ByteRange{}, false, apperr.New(apperr.ValidationFailed, "unsupported range unit in %q", header)
	}
	if strings.Contains(ranges, ",") {
		return ByteRange{}, false, apperr.New(apperr.ValidationFailed, "multiple ranges are not supported")
	}

	startStr, endStr, found := strings.Cut(strings.TrimSpace(ranges), "-")
	if !found {
		return ByteRange{}, false, apperr.New(apperr.ValidationFailed, "malformed range %q", header)
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	// suffix form: the last n bytes
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return ByteRange{}, false, apperr.New(apperr.ValidationFailed, "malformed range %q", header)
		}
		if n == 0 || size == 0 {
			return ByteRange{}, false, unsatisfiable(size, size)
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1}, true, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, false, apperr.New(apperr.ValidationFailed, "malformed range %q", header)
	}
	if start >= size {
		return ByteRange{}, false, unsatisfiable(start, size)
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return ByteRange{}, false, apperr.New(apperr.ValidationFailed, "malformed range %q", header)
		}
		if end < start {
			return ByteRange{}, false, unsatisfiable(start, size)
		}
		if end >= size {
			end = size - 1
		}
	}
	return ByteRange{Start: start, End: end}, true, nil
}
