package s3

import (
	"encoding/xml"
	"strings"
	"testing"
)

func TestDeleteObjectsBatch(t *testing.T) {
	h := newTestHandler(t)
	mustCreateBucket(t, h, "bucket")
	putKeys(t, h, "bucket", "k1", "k2")

	body := `<Delete><Object><Key>k1</Key></Object><Object><Key>k2</Key></Object><Object><Key>absent</Key></Object></Delete>`
	w := doRequest(t, h, "POST", "/bucket?delete", body, nil)
	if w.Code != 200 {
		t.Fatalf("status: %d body=%s", w.Code, w.Body.String())
	}
	var resp deleteResult
	if err := xml.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// Deletes are idempotent: absent keys report as Deleted.
	if len(resp.Deleted) != 3 || len(resp.Errors) != 0 {
		t.Fatalf("result: %+v", resp)
	}
	if resp.Deleted[0].Key != "k1" || resp.Deleted[1].Key != "k2" || resp.Deleted[2].Key != "absent" {
		t.Fatalf("order not preserved: %+v", resp.Deleted)
	}

	for _, key := range []string{"k1", "k2"} {
		if w := doRequest(t, h, "GET", "/bucket/"+key, "", nil); w.Code != 404 {
			t.Fatalf("%s still present: %d", key, w.Code)
		}
	}
}

func TestDeleteObjectsQuiet(t *testing.T) {
	h := newTestHandler(t)
	mustCreateBucket(t, h, "bucket")
	putKeys(t, h, "bucket", "k1")

	body := `<Delete><Quiet>true</Quiet><Object><Key>k1</Key></Object></Delete>`
	w := doRequest(t, h, "POST", "/bucket?delete", body, nil)
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "<Deleted>") {
		t.Fatalf("quiet response listed successes: %s", w.Body.String())
	}
}

func TestDeleteObjectsMalformed(t *testing.T) {
	h := newTestHandler(t)
	mustCreateBucket(t, h, "bucket")

	for _, body := range []string{"", "<Delete></Delete>", "not xml"} {
		w := doRequest(t, h, "POST", "/bucket?delete", body, nil)
		if w.Code != 400 {
			t.Fatalf("body %q: status %d", body, w.Code)
		}
		if !strings.Contains(w.Body.String(), "<Code>MalformedXML</Code>") {
			t.Fatalf("body %q: %s", body, w.Body.String())
		}
	}
}

func TestDeleteObjectsMissingBucket(t *testing.T) {
	h := newTestHandler(t)
	body := `<Delete><Object><Key>k</Key></Object></Delete>`
	w := doRequest(t, h, "POST", "/absent?delete", body, nil)
	if w.Code != 404 {
		t.Fatalf("status: %d", w.Code)
	}
}
