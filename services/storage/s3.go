package storagesvc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	serviceName     = "s3"
	requestSuffix   = "aws4_request"
	unsignedPayload = "UNSIGNED-PAYLOAD"

	// DefaultUploadExpiry bounds presigned URLs when no expiry is configured.
	DefaultUploadExpiry = 15 * time.Minute
)

// ConfigurationError signals missing or invalid object storage settings.
// It is fatal: retrying the same request cannot succeed.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }

func IsConfigurationError(err error) bool {
	_, ok := errors.Cause(err).(*ConfigurationError)
	return ok
}

// SignedUpload is a one-off authorization to PUT a single object.
type SignedUpload struct {
	UploadURL   string `json:"upload_url"`
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type,omitempty"`
	PublicURL   string `json:"public_url"`
}

// Signer issues SigV4 presigned PUT URLs for an S3-compatible bucket,
// letting clients upload directly to object storage without proxying
// bytes through the API.
type Signer struct {
	conf    core.StorageConfig
	nowFunc func() time.Time // mockable
}

func NewSigner(conf *core.Config) *Signer {
	return &Signer{conf: conf.Storage, nowFunc: time.Now}
}

func (s *Signer) checkConfig() error {
	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(s.conf.Bucket, "storage bucket"),
		vala.StringNotEmpty(s.conf.AccessKey, "storage access key"),
		vala.StringNotEmpty(s.conf.SecretKey, "storage secret key"),
	).Check()
	if err != nil {
		return &ConfigurationError{msg: fmt.Sprintf("object storage is not configured: %v", err)}
	}
	return nil
}

// Sign presigns a PUT of the given object key. The payload stays unsigned
// so the client may stream arbitrary content; only the host header is
// signed, so the content type is echoed back for the PUT but never enters
// the signature.
func (s *Signer) Sign(objectKey, contentType string, expiry ...time.Duration) (*SignedUpload, error) {
	if err := s.checkConfig(); err != nil {
		return nil, err
	}
	objectKey = strings.TrimPrefix(objectKey, "/")
	if objectKey == "" {
		return nil, errors.New("object key is required")
	}

	exp := s.conf.UploadExpiry
	if len(expiry) > 0 && expiry[0] > 0 {
		exp = expiry[0]
	}
	if exp <= 0 {
		exp = DefaultUploadExpiry
	}

	now := s.nowFunc().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	scope := strings.Join([]string{dateStamp, s.conf.Region, serviceName, requestSuffix}, "/")

	scheme, host, canonicalURI, err := s.hostAndPath(objectKey)
	if err != nil {
		return nil, err
	}

	query := map[string]string{
		"X-Amz-Algorithm":     algorithm,
		"X-Amz-Credential":    s.conf.AccessKey + "/" + scope,
		"X-Amz-Date":          amzDate,
		"X-Amz-Expires":       strconv.Itoa(int(exp / time.Second)),
		"X-Amz-SignedHeaders": "host",
	}
	canonicalQuery := canonicalQueryString(query)

	canonicalRequest := strings.Join([]string{
		http.MethodPut,
		canonicalURI,
		canonicalQuery,
		"host:" + host + "\n",
		"host",
		unsignedPayload,
	}, "\n")

	hashedRequest := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(hashedRequest[:]),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(s.signingKey(dateStamp), []byte(stringToSign)))
	uploadURL := scheme + "://" + host + canonicalURI + "?" + canonicalQuery + "&X-Amz-Signature=" + signature

	return &SignedUpload{
		UploadURL:   uploadURL,
		ObjectKey:   objectKey,
		ContentType: contentType,
		PublicURL:   s.publicURL(objectKey, scheme, host, canonicalURI),
	}, nil
}

// hostAndPath resolves the request scheme, host and canonical URI, honouring
// virtual-hosted vs path-style addressing.
func (s *Signer) hostAndPath(objectKey string) (scheme, host, canonicalURI string, err error) {
	encodedKey := awsURIEncode(objectKey, false /* keep slashes */)

	if s.conf.Endpoint == "" {
		host = fmt.Sprintf("%s.%s.%s.amazonaws.com", s.conf.Bucket, serviceName, s.conf.Region)
		return "https", host, "/" + encodedKey, nil
	}

	scheme, host, err = s.endpointParts()
	if err != nil {
		return "", "", "", err
	}
	if s.conf.PathStyle {
		canonicalURI = "/" + s.conf.Bucket + "/" + encodedKey
	} else {
		host = s.conf.Bucket + "." + host
		canonicalURI = "/" + encodedKey
	}
	return scheme, host, canonicalURI, nil
}

func (s *Signer) endpointParts() (scheme, host string, err error) {
	endpoint := s.conf.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	parts := strings.SplitN(endpoint, "://", 2)
	scheme, host = parts[0], strings.TrimRight(parts[1], "/")
	if host == "" {
		return "", "", &ConfigurationError{msg: fmt.Sprintf("invalid storage endpoint %q", s.conf.Endpoint)}
	}
	return scheme, host, nil
}

// publicURL derives the durable object URL: an explicit base override wins,
// otherwise it mirrors the addressing used for the signed request.
func (s *Signer) publicURL(objectKey, scheme, host, canonicalURI string) string {
	if base := strings.TrimRight(s.conf.PublicBaseURL, "/"); base != "" {
		return base + "/" + awsURIEncode(objectKey, false)
	}
	return scheme + "://" + host + canonicalURI
}

func (s *Signer) signingKey(dateStamp string) []byte {
	key := hmacSHA256([]byte("AWS4"+s.conf.SecretKey), []byte(dateStamp))
	key = hmacSHA256(key, []byte(s.conf.Region))
	key = hmacSHA256(key, []byte(serviceName))
	return hmacSHA256(key, []byte(requestSuffix))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func canonicalQueryString(query map[string]string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, awsURIEncode(k, true)+"="+awsURIEncode(query[k], true))
	}
	return strings.Join(pairs, "&")
}

// awsURIEncode percent-encodes per the SigV4 rules: unreserved characters
// pass through, everything else becomes uppercase %XX. Slashes survive in
// object paths but not in query values.
func awsURIEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9'),
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}
