// Package linkcodec builds and parses shield links. The link joins a
// server-visible reference segment (the policy id path) with a
// client-only fragment carrying the key object. The fragment is the
// load-bearing delimiter: a compliant client never transmits it when
// resolving the path, so the key never reaches a server.
package linkcodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/babs0022/shield-privacy-guide/pkg/envelope"
	"github.com/babs0022/shield-privacy-guide/pkg/models"
)

// PathPrefix is the fixed reference-segment prefix:
// <scheme>://<host>/s/<policy_id_hex>#<urlencoded key object json>.
const PathPrefix = "/s/"

var ErrMalformedLink = errors.New("malformed link")

// Build assembles the shareable link. base is scheme://host of the
// gateway; the key object lands URL-encoded in the fragment.
func Build(base, id string, obj envelope.KeyObject) (string, error) {
	if !models.ValidID(id) {
		return "", fmt.Errorf("%w: bad policy id", ErrMalformedLink)
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: bad base %q", ErrMalformedLink, base)
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedLink, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + PathPrefix + id
	u.Fragment = string(raw)
	return u.String(), nil
}

// Parse splits a link into its policy id and key object. It fails if
// either segment is absent, if the id is not the fixed width, or if
// the fragment is not a strict key object.
func Parse(link string) (string, envelope.KeyObject, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", envelope.KeyObject{}, fmt.Errorf("%w: %w", ErrMalformedLink, err)
	}
	idx := strings.LastIndex(u.Path, PathPrefix)
	if idx < 0 {
		return "", envelope.KeyObject{}, fmt.Errorf("%w: missing reference segment", ErrMalformedLink)
	}
	id := u.Path[idx+len(PathPrefix):]
	if !models.ValidID(id) {
		return "", envelope.KeyObject{}, fmt.Errorf("%w: bad policy id", ErrMalformedLink)
	}
	if u.Fragment == "" {
		return "", envelope.KeyObject{}, fmt.Errorf("%w: missing key fragment", ErrMalformedLink)
	}
	obj, err := envelope.ParseKeyObject([]byte(u.Fragment))
	if err != nil {
		return "", envelope.KeyObject{}, fmt.Errorf("%w: %w", ErrMalformedLink, err)
	}
	return id, obj, nil
}
