package uploads

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"petavatar/internal/config"
)

func testStorageConfig(endpoint string) config.StorageConfig {
	return config.StorageConfig{
		Endpoint:              endpoint,
		Region:                "us-east-1",
		Bucket:                "petavatar",
		AccessKeyID:           "AKIDEXAMPLE",
		SecretAccessKey:       "secret",
		UploadPrefix:          "uploads",
		UploadExpirySeconds:   900,
		MaxUploadBytes:        50 << 20,
		DownloadExpirySeconds: 3600,
	}
}

func fixedBroker(endpoint string) *S3Broker {
	b := NewS3Broker(testStorageConfig(endpoint))
	b.now = func() time.Time {
		return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	}
	return b
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://petavatar/uploads/abc", "petavatar", "uploads/abc", false},
		{"s3://b/k", "b", "k", false},
		{"s3://bucket-only", "", "", true},
		{"s3:///no-bucket", "", "", true},
		{"https://example.com/x", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseRef(tt.ref)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRef(%q): expected error", tt.ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRef(%q): %v", tt.ref, err)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseRef(%q) = (%q, %q), want (%q, %q)", tt.ref, bucket, key, tt.bucket, tt.key)
		}
	}
}

func TestIssueUploadSlot(t *testing.T) {
	b := fixedBroker("http://localhost:9000")

	slot, err := b.IssueUploadSlot(context.Background())
	if err != nil {
		t.Fatalf("issue slot: %v", err)
	}

	if slot.UploadURL != "http://localhost:9000/petavatar" {
		t.Fatalf("unexpected upload url %q", slot.UploadURL)
	}
	if slot.ExpiresIn != 900 {
		t.Fatalf("expected 900s expiry, got %d", slot.ExpiresIn)
	}
	if slot.JobID == uuid.Nil {
		t.Fatalf("slot must carry a job id")
	}
	if want := "uploads/" + slot.JobID.String(); slot.Fields["key"] != want {
		t.Fatalf("key %q not bound to job id (want %q)", slot.Fields["key"], want)
	}

	for _, field := range []string{"policy", "x-amz-algorithm", "x-amz-credential", "x-amz-date", "x-amz-signature"} {
		if slot.Fields[field] == "" {
			t.Fatalf("missing form field %s", field)
		}
	}
	if slot.Fields["x-amz-date"] != "20260828T120000Z" {
		t.Fatalf("unexpected x-amz-date %q", slot.Fields["x-amz-date"])
	}
	if !strings.HasPrefix(slot.Fields["x-amz-credential"], "AKIDEXAMPLE/20260828/us-east-1/s3/") {
		t.Fatalf("unexpected credential scope %q", slot.Fields["x-amz-credential"])
	}

	// The policy must pin the bucket and key and constrain uploads to
	// image content within the size cap.
	policyJSON, err := base64.StdEncoding.DecodeString(slot.Fields["policy"])
	if err != nil {
		t.Fatalf("policy is not base64: %v", err)
	}
	var policy struct {
		Expiration string `json:"expiration"`
		Conditions []any  `json:"conditions"`
	}
	if err := json.Unmarshal(policyJSON, &policy); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if policy.Expiration != "2026-08-28T12:15:00.000Z" {
		t.Fatalf("unexpected policy expiration %q", policy.Expiration)
	}

	text := string(policyJSON)
	for _, want := range []string{
		`{"bucket":"petavatar"}`,
		`"starts-with","$Content-Type","image/"`,
		`"content-length-range",1,52428800`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("policy missing condition %s:\n%s", want, text)
		}
	}
}

func TestStatObject(t *testing.T) {
	var gotPath, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := fixedBroker(srv.URL)
	info, err := b.StatObject(context.Background(), "s3://petavatar/uploads/abc.jpg")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size != 4096 || info.ContentType != "image/jpeg" {
		t.Fatalf("unexpected info %+v", info)
	}
	if gotPath != "/petavatar/uploads/abc.jpg" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/") {
		t.Fatalf("request not signed: %q", gotAuth)
	}
}

func TestStatObjectMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := fixedBroker(srv.URL)
	if _, err := b.StatObject(context.Background(), "s3://petavatar/uploads/nope.jpg"); err == nil {
		t.Fatalf("expected error for missing object")
	}
}

func TestSignDownload(t *testing.T) {
	b := fixedBroker("http://localhost:9000")

	signed, err := b.SignDownload(context.Background(), "s3://petavatar/avatars/out.png", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("signed url not parseable: %v", err)
	}
	if u.Path != "/petavatar/avatars/out.png" {
		t.Fatalf("unexpected path %q", u.Path)
	}

	q := u.Query()
	if q.Get("X-Amz-Algorithm") != "AWS4-HMAC-SHA256" {
		t.Fatalf("missing algorithm")
	}
	if q.Get("X-Amz-Expires") != "3600" {
		t.Fatalf("expected 3600s expiry, got %q", q.Get("X-Amz-Expires"))
	}
	if q.Get("X-Amz-Date") != "20260828T120000Z" {
		t.Fatalf("unexpected date %q", q.Get("X-Amz-Date"))
	}
	if q.Get("X-Amz-SignedHeaders") != "host" {
		t.Fatalf("unexpected signed headers %q", q.Get("X-Amz-SignedHeaders"))
	}
	if len(q.Get("X-Amz-Signature")) != 64 {
		t.Fatalf("signature should be 32 hex bytes, got %q", q.Get("X-Amz-Signature"))
	}

	// Same inputs, same clock: the signature must be deterministic.
	again, err := b.SignDownload(context.Background(), "s3://petavatar/avatars/out.png", time.Hour)
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	if again != signed {
		t.Fatalf("signing is not deterministic:\n%s\n%s", signed, again)
	}
}
