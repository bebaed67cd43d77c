package linkcodec

import (
	"errors"
	"strings"
	"testing"

	"github.com/babs0022/shield-privacy-guide/pkg/envelope"
)

const testID = "0x0123456789abcdef0123456789abcdef"

func testKeyObject(t *testing.T) envelope.KeyObject {
	t.Helper()
	key, err := envelope.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	obj, err := envelope.EncodeKey(key)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return obj
}

func TestBuildParseRoundTrip(t *testing.T) {
	obj := testKeyObject(t)
	link, err := Build("https://shield.example.org", testID, obj)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(link, "/s/"+testID+"#") {
		t.Fatalf("unexpected link shape: %s", link)
	}
	// The key material must live after the fragment delimiter only.
	if strings.Contains(strings.SplitN(link, "#", 2)[0], obj.K) {
		t.Fatal("key material leaked into the server-visible segment")
	}

	id, got, err := Parse(link)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != testID {
		t.Fatalf("id mismatch: %s", id)
	}
	if got.K != obj.K || got.Alg != obj.Alg || got.Kty != obj.Kty {
		t.Fatalf("key object mismatch: %+v vs %+v", got, obj)
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	obj := testKeyObject(t)
	if _, err := Build("https://shield.example.org", "0x1234", obj); !errors.Is(err, ErrMalformedLink) {
		t.Fatalf("short id: expected ErrMalformedLink, got %v", err)
	}
	if _, err := Build("not a url", testID, obj); !errors.Is(err, ErrMalformedLink) {
		t.Fatalf("bad base: expected ErrMalformedLink, got %v", err)
	}
}

func TestParseRejectsMalformedLinks(t *testing.T) {
	obj := testKeyObject(t)
	valid, err := Build("https://shield.example.org", testID, obj)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	cases := map[string]string{
		"missing fragment":     strings.SplitN(valid, "#", 2)[0],
		"missing reference":    "https://shield.example.org/#" + strings.SplitN(valid, "#", 2)[1],
		"short id":             "https://shield.example.org/s/0x1234#" + strings.SplitN(valid, "#", 2)[1],
		"fragment not keyjson": "https://shield.example.org/s/" + testID + "#notjson",
		"unknown field":        "https://shield.example.org/s/" + testID + `#{"alg":"A256GCM","kty":"oct","k":"x","evil":1}`,
	}
	for name, link := range cases {
		if _, _, err := Parse(link); !errors.Is(err, ErrMalformedLink) {
			t.Fatalf("%s: expected ErrMalformedLink, got %v", name, err)
		}
	}
}

func TestKeySegmentPathVariantUnsupported(t *testing.T) {
	// A link carrying the key as a path segment (the insecure legacy
	// form) must not parse.
	obj := testKeyObject(t)
	link := "https://shield.example.org/s/" + testID + "/" + obj.K
	if _, _, err := Parse(link); !errors.Is(err, ErrMalformedLink) {
		t.Fatalf("expected ErrMalformedLink, got %v", err)
	}
}
