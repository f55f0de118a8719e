package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/net/publicsuffix"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout applies if Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "Nagstamon-sub003/1.0"

// Authentication methods understood by the session itself.
// Form and token logins are done by adapters on top of the session.
const (
	AuthBasic  = "basic"
	AuthDigest = "digest"
	AuthNone   = "none"
)

// Giveback selects how a response body is returned.
type Giveback uint8

const (
	// Raw returns the body as string.
	Raw Giveback = iota
	// HTML returns the parsed document as *html.Node.
	HTML
	// XML decodes the body into Request.Into.
	XML
	// JSON decodes the body into Request.Into.
	JSON
)

// Options configures a Session.
type Options struct {
	Username       string
	Password       string
	Authentication string
	IgnoreCert     bool
	CAFile         string
	UseProxy       bool
	UseProxyFromOS bool
	ProxyAddress   string
	ProxyUsername  string
	ProxyPassword  string
	Timeout        time.Duration
	UserAgent      string
}

// Request describes one call of Session.Fetch.
type Request struct {
	// Method defaults to GET, or POST if Form or Body is set.
	Method   string
	URL      string
	Giveback Giveback
	// Form is sent URL-encoded, or as multipart/form-data if Multipart is set.
	Form      url.Values
	Multipart bool
	// Body is sent as is with ContentType, e.g. JSON payloads.
	Body        []byte
	ContentType string
	Header      http.Header
	// Into receives the decoded body for XML and JSON.
	Into interface{}
}

// Session is a per-server HTTP client with its own cookie jar.
type Session struct {
	options Options
	logger  *zap.SugaredLogger

	mu     sync.Mutex // Protects the fields below.
	client *http.Client
	jar    *cookiejar.Jar
	header http.Header
}

// New creates a Session from the given options.
func New(options Options, logger *zap.SugaredLogger) (*Session, error) {
	s := &Session{
		options: options,
		logger:  logger,
		header:  http.Header{},
	}

	if err := s.Reset(); err != nil {
		return nil, err
	}

	return s, nil
}

// Reset discards cookies and connections and builds a fresh client.
// Default headers set with SetHeader survive.
func (s *Session) Reset() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return errors.Wrap(err, "can't create cookie jar")
	}

	transport, err := s.transport()
	if err != nil {
		return err
	}

	var rt http.RoundTripper = transport
	if s.options.Authentication == AuthDigest && s.options.Username != "" {
		rt = &digest.Transport{
			Username:  s.options.Username,
			Password:  s.options.Password,
			Transport: transport,
		}
	}

	timeout := s.options.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.CloseIdleConnections()
	}

	s.jar = jar
	s.client = &http.Client{
		Transport: rt,
		Jar:       jar,
		Timeout:   timeout,
	}

	return nil
}

func (s *Session) transport() (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil

	if s.options.UseProxy {
		if s.options.UseProxyFromOS {
			t.Proxy = http.ProxyFromEnvironment
		} else if s.options.ProxyAddress != "" {
			proxy, err := url.Parse(s.options.ProxyAddress)
			if err != nil {
				return nil, errors.Wrapf(err, "can't parse proxy address %q", s.options.ProxyAddress)
			}

			if s.options.ProxyUsername != "" {
				proxy.User = url.UserPassword(s.options.ProxyUsername, s.options.ProxyPassword)
			}

			t.Proxy = http.ProxyURL(proxy)
		}
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: s.options.IgnoreCert} // #nosec G402 -- explicitly requested

	if s.options.CAFile != "" {
		pem, err := os.ReadFile(s.options.CAFile)
		if err != nil {
			return nil, errors.Wrapf(err, "can't read CA file %q", s.options.CAFile)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("can't parse CA file %q", s.options.CAFile)
		}

		tlsConfig.RootCAs = pool
	}

	t.TLSClientConfig = tlsConfig

	return t, nil
}

// SetHeader sets a header sent with every following request.
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.header.Set(key, value)
}

// DelHeader removes a header set with SetHeader.
func (s *Session) DelHeader(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.header.Del(key)
}

// Cookie returns the value of the named cookie the jar would send to rawURL.
func (s *Session) Cookie(rawURL, name string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	s.mu.Lock()
	jar := s.jar
	s.mu.Unlock()

	for _, c := range jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}

	return ""
}

// SetCookie stores a cookie for rawURL in the jar.
func (s *Session) SetCookie(rawURL, name, value string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}

	s.mu.Lock()
	jar := s.jar
	s.mu.Unlock()

	jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

// Fetch performs req and returns its outcome as monitor.Result.
// It never panics on transport problems; they are reported in Result.Error.
// On HTTP status >= 400 Result.Result still carries the raw body.
func (s *Session) Fetch(ctx context.Context, req Request) monitor.Result {
	httpReq, err := s.newRequest(ctx, req)
	if err != nil {
		return monitor.ErrorResult(err)
	}

	s.logger.Debugf("FetchURL: %s %s CGI data: %s", httpReq.Method, req.URL, maskForm(req.Form))

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	resp, err := client.Do(httpReq)
	if err != nil {
		return monitor.ErrorResult(errors.Wrapf(err, "%T", errors.Cause(err)))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return monitor.Result{
			Error:      errors.Wrap(err, "can't read response body").Error(),
			StatusCode: resp.StatusCode,
		}
	}

	if resp.StatusCode >= 400 {
		return monitor.Result{
			Result:     string(ToUTF8(body, resp.Header.Get("Content-Type"))),
			Error:      (&HTTPError{Code: resp.StatusCode, Status: resp.Status, URL: req.URL}).Error(),
			StatusCode: resp.StatusCode,
		}
	}

	value, err := decode(req, body, resp.Header.Get("Content-Type"))
	if err != nil {
		return monitor.Result{
			Result:     string(body),
			Error:      err.Error(),
			StatusCode: resp.StatusCode,
		}
	}

	return monitor.Result{Result: value, StatusCode: resp.StatusCode}
}

func (s *Session) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	var body io.Reader
	contentType := req.ContentType

	switch {
	case req.Body != nil:
		body = bytes.NewReader(req.Body)
		if contentType == "" {
			contentType = "application/json"
		}
	case req.Form != nil && req.Multipart:
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for _, key := range sortedKeys(req.Form) {
			for _, v := range req.Form[key] {
				if err := mw.WriteField(key, v); err != nil {
					return nil, errors.Wrap(err, "can't write multipart field")
				}
			}
		}
		if err := mw.Close(); err != nil {
			return nil, errors.Wrap(err, "can't close multipart writer")
		}

		body = &buf
		contentType = mw.FormDataContentType()
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	if method == "" {
		if body != nil {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create request for %q", req.URL)
	}

	userAgent := s.options.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	httpReq.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	s.mu.Lock()
	for k, v := range s.header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	s.mu.Unlock()

	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}

	if s.options.Authentication != AuthDigest && s.options.Authentication != AuthNone && s.options.Username != "" {
		httpReq.SetBasicAuth(s.options.Username, s.options.Password)
	}

	return httpReq, nil
}

func decode(req Request, body []byte, contentType string) (interface{}, error) {
	switch req.Giveback {
	case HTML:
		r, err := charset.NewReader(bytes.NewReader(body), contentType)
		if err != nil {
			return nil, errors.Wrap(err, "can't detect charset")
		}

		doc, err := html.Parse(r)
		if err != nil {
			return nil, errors.Wrap(err, "can't parse HTML")
		}

		return doc, nil
	case XML:
		if req.Into == nil {
			return string(ToUTF8(body, contentType)), nil
		}

		dec := xml.NewDecoder(bytes.NewReader(body))
		dec.CharsetReader = charset.NewReaderLabel
		if err := dec.Decode(req.Into); err != nil {
			return nil, errors.Wrap(err, "can't parse XML")
		}

		return req.Into, nil
	case JSON:
		into := req.Into
		if into == nil {
			var v interface{}
			into = &v
		}

		if err := json.Unmarshal(body, into); err != nil {
			return nil, errors.Wrap(err, "can't parse JSON")
		}

		return into, nil
	default:
		return string(ToUTF8(body, contentType)), nil
	}
}

// HTTPError is reported for responses with status >= 400.
type HTTPError struct {
	Code   int
	Status string
	URL    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %s from %s", e.Status, e.URL)
}

// StatusCode implements the monitor.StatusCoder interface.
func (e *HTTPError) StatusCode() int {
	return e.Code
}

// maskForm renders form data for debug output with secrets replaced.
func maskForm(form url.Values) string {
	if len(form) == 0 {
		return "none"
	}

	masked := make([]string, 0, len(form))
	for _, key := range sortedKeys(form) {
		value := strings.Join(form[key], ",")
		if lk := strings.ToLower(key); strings.Contains(lk, "pass") || strings.Contains(lk, "token") {
			value = "***"
		}

		masked = append(masked, key+"="+value)
	}

	return strings.Join(masked, "&")
}

func sortedKeys(form url.Values) []string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Assert interface compliance.
var (
	_ error               = (*HTTPError)(nil)
	_ monitor.StatusCoder = (*HTTPError)(nil)
)
