package uploads

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"petavatar/internal/config"
)

const (
	sigAlgorithm    = "AWS4-HMAC-SHA256"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	emptyPayloadSHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// S3Broker signs requests itself (SigV4 and POST policies) so it works
// against AWS S3, MinIO, or any other compatible endpoint without an SDK.
type S3Broker struct {
	cfg   config.StorageConfig
	httpc *http.Client
	now   func() time.Time
}

func NewS3Broker(cfg config.StorageConfig) *S3Broker {
	return &S3Broker{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 15 * time.Second},
		now:   time.Now,
	}
}

func (b *S3Broker) objectURL(bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(b.cfg.Endpoint, "/"), bucket, key)
}

func (b *S3Broker) bucketURL() string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(b.cfg.Endpoint, "/"), b.cfg.Bucket)
}

// IssueUploadSlot returns a presigned POST policy restricted to image
// content types and the configured size cap, keyed under the upload
// prefix by a fresh job id.
func (b *S3Broker) IssueUploadSlot(ctx context.Context) (*Slot, error) {
	jobID, err := uuid.NewV7()
	if err != nil {
		jobID = uuid.New()
	}

	expiry := b.cfg.UploadExpirySeconds
	if expiry <= 0 {
		expiry = 900
	}
	maxBytes := b.cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	prefix := b.cfg.UploadPrefix
	if prefix == "" {
		prefix = "uploads"
	}

	now := b.now().UTC()
	key := fmt.Sprintf("%s/%s", prefix, jobID.String())
	amzDate := now.Format("20060102T150405Z")
	credential := fmt.Sprintf("%s/%s/%s/s3/aws4_request",
		b.cfg.AccessKeyID, now.Format("20060102"), b.cfg.Region)

	policy := map[string]any{
		"expiration": now.Add(time.Duration(expiry) * time.Second).Format("2006-01-02T15:04:05.000Z"),
		"conditions": []any{
			map[string]string{"bucket": b.cfg.Bucket},
			map[string]string{"key": key},
			[]any{"starts-with", "$Content-Type", "image/"},
			[]any{"content-length-range", 1, maxBytes},
			map[string]string{"x-amz-algorithm": sigAlgorithm},
			map[string]string{"x-amz-credential": credential},
			map[string]string{"x-amz-date": amzDate},
		},
	}
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("encode post policy: %w", err)
	}
	policyB64 := base64.StdEncoding.EncodeToString(policyJSON)

	signature := hex.EncodeToString(hmacSHA256(
		signingKey(b.cfg.SecretAccessKey, now.Format("20060102"), b.cfg.Region, "s3"),
		[]byte(policyB64),
	))

	return &Slot{
		JobID:     jobID,
		UploadURL: b.bucketURL(),
		Fields: map[string]string{
			"key":              key,
			"policy":           policyB64,
			"x-amz-algorithm":  sigAlgorithm,
			"x-amz-credential": credential,
			"x-amz-date":       amzDate,
			"x-amz-signature":  signature,
		},
		ExpiresIn: expiry,
	}, nil
}

// StatObject issues a signed HEAD request to confirm the object exists
// and report its size and content type.
func (b *S3Broker) StatObject(ctx context.Context, ref string) (*ObjectInfo, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.objectURL(bucket, key), nil)
	if err != nil {
		return nil, err
	}
	b.signHeaders(req, bucket, key)

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("object %s does not exist", ref)
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("stat %s: status %d", ref, resp.StatusCode)
	}

	return &ObjectInfo{
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// SignDownload returns a presigned GET URL for the given object
// reference, valid for ttl.
func (b *S3Broker) SignDownload(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	rawURL := b.objectURL(bucket, key)
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	now := b.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	credential := fmt.Sprintf("%s/%s/%s/s3/aws4_request", b.cfg.AccessKeyID, dateStamp, b.cfg.Region)

	query := url.Values{}
	query.Set("X-Amz-Algorithm", sigAlgorithm)
	query.Set("X-Amz-Credential", credential)
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", fmt.Sprintf("%d", int(ttl.Seconds())))
	query.Set("X-Amz-SignedHeaders", "host")

	canonical := strings.Join([]string{
		http.MethodGet,
		u.EscapedPath(),
		canonicalQuery(query),
		"host:" + u.Host + "\n",
		"host",
		unsignedPayload,
	}, "\n")

	stringToSign := strings.Join([]string{
		sigAlgorithm,
		amzDate,
		fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, b.cfg.Region),
		sha256Hex([]byte(canonical)),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(
		signingKey(b.cfg.SecretAccessKey, dateStamp, b.cfg.Region, "s3"),
		[]byte(stringToSign),
	))
	query.Set("X-Amz-Signature", signature)

	u.RawQuery = query.Encode()
	return u.String(), nil
}

// signHeaders applies a SigV4 Authorization header for header-signed
// requests (used for HEAD).
func (b *S3Broker) signHeaders(req *http.Request, bucket, key string) {
	now := b.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", emptyPayloadSHA)

	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonicalHeaders := strings.Join([]string{
		"host:" + req.URL.Host,
		"x-amz-content-sha256:" + emptyPayloadSHA,
		"x-amz-date:" + amzDate,
	}, "\n") + "\n"

	canonical := strings.Join([]string{
		req.Method,
		req.URL.EscapedPath(),
		"",
		canonicalHeaders,
		signedHeaders,
		emptyPayloadSHA,
	}, "\n")

	stringToSign := strings.Join([]string{
		sigAlgorithm,
		amzDate,
		fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, b.cfg.Region),
		sha256Hex([]byte(canonical)),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(
		signingKey(b.cfg.SecretAccessKey, dateStamp, b.cfg.Region, "s3"),
		[]byte(stringToSign),
	))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s/%s/s3/aws4_request, SignedHeaders=%s, Signature=%s",
		sigAlgorithm, b.cfg.AccessKeyID, dateStamp, b.cfg.Region, signedHeaders, signature,
	))
}

func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(q.Get(k)))
	}
	return strings.Join(parts, "&")
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func signingKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}
