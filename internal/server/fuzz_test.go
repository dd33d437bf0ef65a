package server

import (
	"bytes"
	"net/url"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
)

func FuzzDecodeRenderRequest(f *testing.F) {
	f.Add([]byte(`{"url":"https://a.test/"}`))
	f.Add([]byte(`{"url":"http://a.test/x?y=1","wait_for":{"selector":"#id"},"wait_timeout":"2s","screenshot":true}`))
	f.Add([]byte(`{"url":"https://a.test/","browser":false,"headers":{"User-Agent":"x"}}`))
	f.Add([]byte(`{"url":"javascript:alert(1)"}`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		req, err := decodeRenderRequest(bytes.NewReader(data))
		if err != nil {
			return
		}
		u, err := url.Parse(req.URL)
		if err != nil {
			t.Fatalf("accepted unparsable url %q: %v", req.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			t.Fatalf("accepted non-http scheme %q", u.Scheme)
		}
		if req.Browser != nil && (req.Browser.Sleep < 0 || req.Browser.WaitTimeout < 0) {
			t.Fatalf("accepted negative duration: %+v", req.Browser)
		}
	})
}

// FuzzRenderRequest_Structured fuzzes the decoded body shape directly.
func FuzzRenderRequest_Structured(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		var body renderRequest
		if err := fuzz.NewConsumer(data).GenerateStruct(&body); err != nil {
			return
		}
		req, err := body.toFetchRequest()
		if err != nil {
			return
		}
		if req.Browser != nil && body.WaitFor != nil && req.Browser.WaitCondition == nil {
			t.Fatal("a wait_for block was accepted without producing a condition")
		}
	})
}
