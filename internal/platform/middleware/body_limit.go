package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit caps request bodies. bundleLimit applies to POST /fhir, where
// whole batch and transaction bundles arrive; defaultLimit applies
// everywhere else. Limits are sizes like "512K", "10M" or "1G"; a bare
// number is bytes.
func BodyLimit(defaultLimit string, bundleLimit string) echo.MiddlewareFunc {
	defaultBytes := ParseLimit(defaultLimit)
	bundleBytes := ParseLimit(bundleLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost && strings.TrimSuffix(req.URL.Path, "/") == "/fhir" {
				limit = bundleBytes
			}

			if req.ContentLength > limit {
				return payloadTooLargeError(c, limit)
			}

			// Content-Length may be absent or wrong, so enforce while reading too.
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func payloadTooLargeError(c echo.Context, limit int64) error {
	return writeOutcome(c, http.StatusRequestEntityTooLarge, "too-costly",
		fmt.Sprintf("Request body exceeds maximum allowed size of %d bytes", limit))
}

// ParseLimit parses a size such as "10M" into bytes. Empty or malformed
// values fall back to 1 MB.
func ParseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 1 << 20
	}

	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"G", 1 << 30}, {"MB", 1 << 20}, {"M", 1 << 20}, {"KB", 1 << 10}, {"K", 1 << 10}} {
		if strings.HasSuffix(s, u.suffix) {
			s, multiplier = strings.TrimSuffix(s, u.suffix), u.mult
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 1 << 20
	}
	return n * multiplier
}
