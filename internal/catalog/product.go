// Package catalog manages the product catalog: a single JSON document that
// is persisted locally and mirrored to a file in a GitHub repository.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Product is a single catalog entry.
type Product struct {
	ID               string    `json:"id"`
	Title            string    `json:"title,omitempty"`
	ShortDescription string    `json:"shortDescription,omitempty"`
	Description      string    `json:"description,omitempty"`
	Imgs             []Image   `json:"imgs,omitempty"`
	Link             string    `json:"link,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt,omitzero"`
}

// Image is a reference to a product image. On the wire it is either a bare
// URL string or an object with url and an optional public_id for the remote
// image store; both forms are accepted, and the string form is emitted
// whenever PublicID is empty.
type Image struct {
	URL      string
	PublicID string
}

type imageObject struct {
	URL      string `json:"url"`
	PublicID string `json:"public_id,omitempty"`
}

// MarshalJSON implements the [json.Marshaler] interface.
func (im Image) MarshalJSON() ([]byte, error) {
	if im.PublicID == "" {
		return json.Marshal(im.URL)
	}
	return json.Marshal(imageObject{URL: im.URL, PublicID: im.PublicID})
}

// UnmarshalJSON implements the [json.Unmarshaler] interface.
func (im *Image) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &im.URL)
	}
	var obj imageObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	im.URL, im.PublicID = obj.URL, obj.PublicID
	return nil
}

// patchableFields is the allow-list of fields a partial update may modify.
var patchableFields = map[string]struct{}{
	"title":            {},
	"shortDescription": {},
	"description":      {},
	"imgs":             {},
	"link":             {},
}

// ErrInvalidPatch is returned when a partial update names a field outside
// the allow-list or carries a value of the wrong shape.
var ErrInvalidPatch = errors.New("catalog: invalid patch")

// applyPatch merges the allow-listed fields into p. Fields outside the
// allow-list are rejected.
func (p *Product) applyPatch(fields map[string]json.RawMessage) error {
	for name, raw := range fields {
		if _, ok := patchableFields[name]; !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidPatch, name)
		}
		var err error
		switch name {
		case "title":
			err = json.Unmarshal(raw, &p.Title)
		case "shortDescription":
			err = json.Unmarshal(raw, &p.ShortDescription)
		case "description":
			err = json.Unmarshal(raw, &p.Description)
		case "imgs":
			err = json.Unmarshal(raw, &p.Imgs)
		case "link":
			err = json.Unmarshal(raw, &p.Link)
		}
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidPatch, name, err)
		}
	}
	return nil
}
