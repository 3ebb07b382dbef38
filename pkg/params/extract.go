package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
)

// multipartMemory bounds the in-memory part of a parsed multipart form;
// larger files spill to temporary files.
const multipartMemory = 32 << 20

// ErrBodyTooLarge is returned when the request body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// Input is everything extraction needs besides the request itself.
type Input struct {
	RouteParams  map[string]string
	Claims       map[string]any
	Patterns     Patterns
	MaxBodyBytes int64
}

// Extract builds one set per source, in priority order. Every source is
// tolerant of absence: a missing or unparsable source yields an empty set.
// Only an oversized body is reported as an error.
func Extract(r *http.Request, in Input) ([]*Set, error) {
	if in.MaxBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(nil, r.Body, in.MaxBodyBytes)
	}

	claims := claimsSet(in.Claims, in.Patterns.Claims)
	headers := headerSet(r.Header, in.Patterns.Headers)

	mediaType := MediaType(r)
	body, err := jsonSet(r, mediaType, in.Patterns.JSON)
	if err != nil {
		return nil, err
	}
	form, err := formSet(r, mediaType, in.Patterns.Form)
	if err != nil {
		return nil, err
	}

	query := NewSet(SourceQuery, in.Patterns.Query)
	for name, values := range r.URL.Query() {
		query.Add(name, strings.Join(values, MultiValueSeparator))
	}

	route := NewSet(SourceRoute, in.Patterns.Route)
	for name, value := range in.RouteParams {
		route.Add(name, value)
	}

	return []*Set{claims, headers, body, form, query, route}, nil
}

// MediaType returns the request's lower-cased media type without parameters.
func MediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	return mt
}

// IsJSON reports whether mediaType carries JSON.
func IsJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func headerSet(h http.Header, pattern *regexp.Regexp) *Set {
	s := NewSet(SourceHeaders, pattern)
	s.FoldCase = true
	for name, values := range h {
		s.Add(name, strings.Join(values, MultiValueSeparator))
	}
	return s
}

func claimsSet(claims map[string]any, pattern *regexp.Regexp) *Set {
	s := NewSet(SourceClaims, pattern)
	if len(claims) > 0 {
		s.Document = claims
	}
	return s
}

func jsonSet(r *http.Request, mediaType string, pattern *regexp.Regexp) (*Set, error) {
	s := NewSet(SourceJSON, pattern)
	if !IsJSON(mediaType) || r.Body == nil || r.Body == http.NoBody {
		return s, nil
	}

	raw, err := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, ErrBodyTooLarge
		}
		return s, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return s, nil
	}
	s.Raw = string(trimmed)

	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var doc map[string]any
		if err := dec.Decode(&doc); err == nil {
			s.Document = doc
		}
	}
	return s, nil
}

func formSet(r *http.Request, mediaType string, pattern *regexp.Regexp) (*Set, error) {
	s := NewSet(SourceForm, pattern)

	var values map[string][]string
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return tooLarge(s, err)
		}
		values = r.MultipartForm.Value
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return tooLarge(s, err)
		}
		values = r.PostForm
	default:
		return s, nil
	}

	for name, vs := range values {
		s.Add(name, strings.Join(vs, MultiValueSeparator))
	}
	return s, nil
}

func tooLarge(s *Set, err error) (*Set, error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return nil, ErrBodyTooLarge
	}
	return s, nil
}
