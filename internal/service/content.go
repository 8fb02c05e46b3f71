package service

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// ReadKind selects how a response body must be interpreted.
type ReadKind int

const (
	ReadText ReadKind = iota
	ReadJSON
	ReadBinary
)

func (k ReadKind) String() string {
	switch k {
	case ReadText:
		return "text"
	case ReadJSON:
		return "json"
	case ReadBinary:
		return "binary"
	default:
		return fmt.Sprintf("ReadKind(%d)", int(k))
	}
}

// Content is a fully read response body.
type Content struct {
	Kind   ReadKind
	Status int
	Header http.Header
	Body   []byte
}

func (c Content) Text() string { return string(c.Body) }

// Decode unmarshals a JSON body into v.
func (c Content) Decode(v any) error {
	if c.Kind != ReadJSON {
		return fmt.Errorf("decode: content was read as %s", c.Kind)
	}
	return json.Unmarshal(c.Body, v)
}

var errContentMismatch = errors.New("content mismatch")

type reader func(header http.Header, body []byte) error

var readers = map[ReadKind]reader{
	ReadText:   readText,
	ReadJSON:   readJSON,
	ReadBinary: readBinary,
}

func readText(_ http.Header, body []byte) error {
	if !utf8.Valid(body) {
		return fmt.Errorf("%w: body is not valid utf-8", errContentMismatch)
	}
	return nil
}

func readJSON(header http.Header, body []byte) error {
	if ct := mediaType(header); !strings.Contains(ct, "json") {
		return fmt.Errorf("%w: expected json, got content type %q", errContentMismatch, ct)
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not valid json", errContentMismatch)
	}
	return nil
}

func readBinary(http.Header, []byte) error { return nil }

func read(kind ReadKind, status int, header http.Header, body []byte) (Content, error) {
	r, ok := readers[kind]
	if !ok {
		return Content{}, fmt.Errorf("unknown read kind %s", kind)
	}
	if err := r(header, body); err != nil {
		return Content{}, err
	}
	return Content{Kind: kind, Status: status, Header: header, Body: body}, nil
}

// salvage reads the body the way the response declares itself, so a
// mismatched payload can still be logged.
func salvage(status int, header http.Header, body []byte) Content {
	kind := ReadBinary
	switch ct := mediaType(header); {
	case strings.Contains(ct, "json"):
		kind = ReadJSON
	case strings.HasPrefix(ct, "text/"), strings.Contains(ct, "xml"), strings.Contains(ct, "html"):
		kind = ReadText
	}
	if c, err := read(kind, status, header, body); err == nil {
		return c
	}
	return Content{Kind: ReadText, Status: status, Header: header, Body: body}
}

func mediaType(header http.Header) string {
	raw := header.Get("Content-Type")
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return mt
}
