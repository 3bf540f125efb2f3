// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
)

// ErrUnsupportedMediaType is returned when no decoder is registered for a
// media type.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

type decodeFunc func(data []byte) (Manifest, error)

// manifestDecoders maps a manifest media type to its decoder. It is fixed at
// init and only read afterwards.
var manifestDecoders = map[string]decodeFunc{
	MediaTypeDockerManifest:     decodeSingle,
	MediaTypeOCIManifest:        decodeSingle,
	MediaTypeDockerManifestList: decodeList,
	MediaTypeOCIIndex:           decodeList,
}

func decodeSingle(data []byte) (Manifest, error) {
	var s Single
	if err := json.Unmarshal(data, &s); err != nil {
		return Manifest{}, err
	}
	return Manifest{kind: KindSingle, single: &s, raw: data}, nil
}

func decodeList(data []byte) (Manifest, error) {
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return Manifest{}, err
	}
	return Manifest{kind: KindList, list: &l, raw: data}, nil
}

// probe reads just enough of a document to route it when the transport did
// not supply a usable media type.
type probe struct {
	MediaType string          `json:"mediaType"`
	Manifests json.RawMessage `json:"manifests"`
	Config    json.RawMessage `json:"config"`
}

// Decode decodes data as the manifest named by mediaType. mediaType may be a
// full Content-Type header value. When it is empty or generic, the document's
// own mediaType field is used, and failing that its shape.
func Decode(mediaType string, data []byte) (Manifest, error) {
	mt := normalizeMediaType(mediaType)
	if _, ok := manifestDecoders[mt]; !ok {
		var p probe
		if err := json.Unmarshal(data, &p); err != nil {
			return Manifest{}, err
		}
		switch {
		case p.MediaType != "":
			mt = p.MediaType
		case p.Manifests != nil:
			mt = MediaTypeOCIIndex
		case p.Config != nil:
			mt = MediaTypeOCIManifest
		}
	}
	dec, ok := manifestDecoders[mt]
	if !ok {
		return Manifest{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
	return dec(data)
}

func normalizeMediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return v
	}
	return mt
}
