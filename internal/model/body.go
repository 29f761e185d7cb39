package model

import (
	"encoding/json"
	"net/url"
)

// BodyType identifies which variant of Body a value is.
type BodyType int

const (
	EmptyBody BodyType = iota
	JSONBody
	FormBody
	MultipartBody
)

func (t BodyType) String() string {
	switch t {
	case EmptyBody:
		return "empty"
	case JSONBody:
		return "json"
	case FormBody:
		return "form"
	case MultipartBody:
		return "multipart"
	default:
		return "unknown"
	}
}

// Body is a decoded inbound request body. Exactly one of the variant fields
// is meaningful, selected by Type.
type Body struct {
	Type BodyType

	// JSON holds the validated document for JSONBody.
	JSON json.RawMessage
	// Fields holds key/value pairs for FormBody and MultipartBody.
	Fields url.Values
	// File is the optional file part of a MultipartBody.
	File *FilePart
}

// FilePart is a single uploaded file carried through to the upstream.
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}
