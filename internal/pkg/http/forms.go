package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
)

var (
	usernameFields = []string{"username", "user", "login", "email", "uname", "userid", "user_id", "usr", "log", "account", "name"}
	passwordFields = []string{"password", "passwd", "pass", "pwd", "pw", "secret", "passw"}
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9 ._()\[\]@+-]+`)

// splitPairs parses an urlencoded query or form body keeping the order of
// the pairs.
func splitPairs(s string) []events.NameValue {
	var out []events.NameValue
	for _, pair := range strings.FieldsFunc(s, func(r rune) bool { return r == '&' || r == ';' }) {
		name, value, _ := strings.Cut(pair, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		if name == "" && value == "" {
			continue
		}
		out = append(out, events.NameValue{Name: name, Value: value})
	}
	return out
}

// splitCookies parses a Cookie header into its pairs.
func splitCookies(s string) []events.NameValue {
	var out []events.NameValue
	for _, c := range strings.Split(s, ";") {
		name, value, _ := strings.Cut(strings.TrimSpace(c), "=")
		if name == "" {
			continue
		}
		out = append(out, events.NameValue{Name: name, Value: value})
	}
	return out
}

// findCredential picks a username and a password out of form fields by
// field name.
func findCredential(params []events.NameValue) (user, pass string, ok bool) {
	userRank, passRank := len(usernameFields), len(passwordFields)
	for _, p := range params {
		name := strings.ToLower(p.Name)
		// user[login] and user.login both name "login"
		name = strings.TrimRight(name, "]")
		if i := strings.LastIndexAny(name, ".["); i >= 0 {
			name = name[i+1:]
		}
		for r, f := range usernameFields[:userRank] {
			if name == f && p.Value != "" {
				user, userRank = p.Value, r
				break
			}
		}
		for r, f := range passwordFields[:passRank] {
			if name == f && p.Value != "" {
				pass, passRank = p.Value, r
				break
			}
		}
	}
	return user, pass, user != "" && pass != ""
}

// flattenJSON turns a JSON document into dotted name/value pairs. Object
// keys are visited in sorted order.
func flattenJSON(body []byte) ([]events.NameValue, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var out []events.NameValue
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				name := k
				if prefix != "" {
					name = prefix + "." + k
				}
				walk(name, t[k])
			}
		case []any:
			for i, e := range t {
				walk(prefix+"["+strconv.Itoa(i)+"]", e)
			}
		case nil:
			out = append(out, events.NameValue{Name: prefix, Value: "null"})
		case string:
			out = append(out, events.NameValue{Name: prefix, Value: t})
		case json.Number:
			out = append(out, events.NameValue{Name: prefix, Value: t.String()})
		case bool:
			out = append(out, events.NameValue{Name: prefix, Value: strconv.FormatBool(t)})
		}
	}
	walk("", v)
	return out, nil
}

type formFile struct {
	Name        string
	Filename    string
	ContentType string
	Data        []byte
}

// parseMultipart splits a multipart/form-data body into fields and files.
// Parts are read up to limit bytes each.
func parseMultipart(body []byte, boundary string, limit int64) ([]events.NameValue, []formFile, error) {
	r := multipart.NewReader(bytes.NewReader(body), boundary)
	var fields []events.NameValue
	var files []formFile
	for {
		part, err := r.NextRawPart()
		if errors.Is(err, io.EOF) {
			return fields, files, nil
		}
		if err != nil {
			return fields, files, err
		}
		data, err := io.ReadAll(io.LimitReader(part, limit))
		if err != nil {
			return fields, files, err
		}
		if fn := part.FileName(); fn != "" {
			files = append(files, formFile{
				Name:        part.FormName(),
				Filename:    fn,
				ContentType: part.Header.Get("Content-Type"),
				Data:        data,
			})
			continue
		}
		fields = append(fields, events.NameValue{Name: part.FormName(), Value: string(data)})
	}
}

// mediaType returns the lower-case media type and its parameters.
func mediaType(ct string) (string, map[string]string) {
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		mt, _, _ = strings.Cut(ct, ";")
		return strings.ToLower(strings.TrimSpace(mt)), nil
	}
	return mt, params
}

// RequestFilename names the file a request target returns: the last path
// segment, "index.html" for a directory, and a hash of the query appended
// when there is one.
func RequestFilename(target string) string {
	p, query, _ := strings.Cut(target, "?")
	if u, err := url.Parse(p); err == nil && u.Path != "" {
		p = u.Path
	}
	name := sanitize(path.Base(p))
	if strings.HasSuffix(p, "/") || name == "." || name == "/" || name == "" {
		name = "index.html"
	}
	if query != "" {
		h := fnv.New32a()
		h.Write([]byte(query))
		name += fmt.Sprintf(".%08x", h.Sum32())
	}
	return name
}

// DispositionFilename returns the filename of a Content-Disposition
// header.
func DispositionFilename(v string) string {
	if v == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	fn := params["filename"]
	if fn == "" {
		return ""
	}
	return sanitize(path.Base(strings.ReplaceAll(fn, "\\", "/")))
}

func sanitize(name string) string {
	name = strings.TrimSpace(unsafeName.ReplaceAllString(name, "_"))
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}

// HostOnly strips the port from a Host header value.
func HostOnly(host string) string {
	host = strings.TrimSpace(host)
	if strings.HasPrefix(host, "[") {
		if i := strings.IndexByte(host, ']'); i > 0 {
			return host[1:i]
		}
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}
