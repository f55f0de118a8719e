package adapter

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"net/url"
	"strings"
)

// Form is a URL-encoded form which keeps its field order.
// Some CGIs reject commands whose fields come in an unexpected order.
type Form []FormField

// FormField is one key/value pair of a Form.
type FormField struct {
	Key   string
	Value string
}

// Add appends a field.
func (f Form) Add(key, value string) Form {
	return append(f, FormField{Key: key, Value: value})
}

// AddIf appends "key=on" if cond holds. CGIs treat a present checkbox as set regardless of its value.
func (f Form) AddIf(cond bool, key string) Form {
	if cond {
		return f.Add(key, "on")
	}

	return f
}

// Encode returns the URL-encoded form in field order.
func (f Form) Encode() string {
	parts := make([]string, 0, len(f))
	for _, field := range f {
		parts = append(parts, url.QueryEscape(field.Key)+"="+url.QueryEscape(field.Value))
	}

	return strings.Join(parts, "&")
}

// Post returns a POST request sending f to rawURL.
func (f Form) Post(rawURL string) session.Request {
	return session.Request{
		URL:         rawURL,
		Body:        []byte(f.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	}
}
