package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"slices"
	"strings"

	"fatsecret-proxy-go/internal/model"
	"fatsecret-proxy-go/internal/route"
)

const (
	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"

	// multipartMemory is how much of a multipart upload is held in memory
	// before spilling to temp files. The body limit middleware caps the total.
	multipartMemory = 8 << 20
)

const invalidJSONMessage = "Invalid JSON format"

var errNotObject = errors.New("JSON body must be an object")

// DecodeBody turns a raw inbound body into a model.Body. A content type
// containing application/json always means JSON; EncodingJSON routes also
// require JSON. An empty body is only an error on EncodingJSON routes.
// Everything else is form data, multipart or url-encoded.
// fileField names the one file part kept from a multipart body; other files
// are dropped.
func DecodeBody(contentType string, raw []byte, enc route.Encoding, fileField string) (model.Body, error) {
	if enc != route.EncodingJSON && len(bytes.TrimSpace(raw)) == 0 {
		return model.Body{Type: model.EmptyBody}, nil
	}

	isJSON := strings.Contains(strings.ToLower(contentType), contentTypeJSON)
	if enc == route.EncodingJSON || isJSON {
		return decodeJSON(raw)
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && mediaType == "multipart/form-data" {
		return decodeMultipart(raw, params["boundary"], fileField)
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return model.Body{}, invalidBody("Invalid form data", err)
	}
	return model.Body{Type: model.FormBody, Fields: values}, nil
}

func decodeJSON(raw []byte) (model.Body, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return model.Body{}, invalidBody(invalidJSONMessage, nil)
	}
	return model.Body{Type: model.JSONBody, JSON: json.RawMessage(trimmed)}, nil
}

func decodeMultipart(raw []byte, boundary, fileField string) (model.Body, error) {
	if boundary == "" {
		return model.Body{}, invalidBody("Invalid multipart form data", errors.New("missing boundary"))
	}
	form, err := multipart.NewReader(bytes.NewReader(raw), boundary).ReadForm(multipartMemory)
	if err != nil {
		return model.Body{}, invalidBody("Invalid multipart form data", err)
	}
	defer func() { _ = form.RemoveAll() }()

	body := model.Body{Type: model.MultipartBody, Fields: url.Values(form.Value)}
	if fileField == "" {
		return body, nil
	}
	headers := form.File[fileField]
	if len(headers) == 0 {
		return body, nil
	}

	fh := headers[0]
	f, err := fh.Open()
	if err != nil {
		return model.Body{}, invalidBody("Invalid multipart form data", err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return model.Body{}, invalidBody("Invalid multipart form data", err)
	}

	body.File = &model.FilePart{
		Field:       fileField,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}
	return body, nil
}

// jsonFields flattens a JSON object into form fields. Strings are taken as
// is; other values keep their JSON text.
func jsonFields(raw json.RawMessage) (url.Values, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, errNotObject
	}
	fields := make(url.Values, len(obj))
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			fields.Set(k, s)
			continue
		}
		fields.Set(k, string(v))
	}
	return fields, nil
}

// lastValues collapses multi-valued keys to their last value.
func lastValues(src url.Values) url.Values {
	dst := make(url.Values, len(src))
	for k, vs := range src {
		if len(vs) > 0 {
			dst.Set(k, vs[len(vs)-1])
		}
	}
	return dst
}

// encodedBody is an outbound payload and its content type.
type encodedBody struct {
	data        []byte
	contentType string
	logSummary  string
}

// encodeJSON re-encodes body with extra fields set on the top-level object.
// Without extras the validated document is sent verbatim.
func encodeJSON(raw json.RawMessage, extra url.Values) (encodedBody, error) {
	if len(extra) == 0 {
		return encodedBody{data: raw, contentType: contentTypeJSON, logSummary: string(raw)}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return encodedBody{}, errNotObject
	}
	for k := range extra {
		v, err := json.Marshal(extra.Get(k))
		if err != nil {
			return encodedBody{}, fmt.Errorf("encode field %q: %w", k, err)
		}
		obj[k] = v
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return encodedBody{}, fmt.Errorf("encode JSON body: %w", err)
	}
	return encodedBody{data: data, contentType: contentTypeJSON, logSummary: string(data)}, nil
}

// encodeForm url-encodes fields, or writes multipart form data when a file
// part is present.
func encodeForm(fields url.Values, file *model.FilePart) (encodedBody, error) {
	if file == nil {
		s := fields.Encode()
		return encodedBody{data: []byte(s), contentType: contentTypeForm, logSummary: s}, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		for _, v := range fields[k] {
			if err := w.WriteField(k, v); err != nil {
				return encodedBody{}, fmt.Errorf("write field %q: %w", k, err)
			}
		}
	}

	ct := file.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(file.Field), quoteEscaper.Replace(file.Filename)))
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return encodedBody{}, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return encodedBody{}, fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return encodedBody{}, fmt.Errorf("close multipart writer: %w", err)
	}

	return encodedBody{
		data:        buf.Bytes(),
		contentType: w.FormDataContentType(),
		logSummary: fmt.Sprintf("%s [file %s=%q %s, %d bytes]",
			fields.Encode(), file.Field, file.Filename, ct, len(file.Data)),
	}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")
