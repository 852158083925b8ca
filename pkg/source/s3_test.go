package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

// S3Source must satisfy BulkDownloader so source.Open prefers its
// s3manager-backed DownloadAll over a serial ReadAt loop.
var _ BulkDownloader = (*S3Source)(nil)

const mockS3Endpoint = "https://s3.example.test"

// newMockedS3Source builds an S3Source whose client's Transport is an
// httpmock mock, adapted from cdn_test.go's own "swap in a mock *http.Client,
// ActivateNonDefault it" pattern — the same request-mocking tool the teacher
// uses to test its own network-calling storage code, now pointed at
// S3Source instead of CDNClipStorage.
func newMockedS3Source(t *testing.T, bucket, key string) *S3Source {
	t.Helper()

	mockClient := &http.Client{}
	httpmock.ActivateNonDefault(mockClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	cfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("ak", "sk", ""),
	}
	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.HTTPClient = mockClient
		o.BaseEndpoint = aws.String(mockS3Endpoint)
		o.Retryer = aws.NopRetryer{}
	})

	return &S3Source{svc: svc, bucket: bucket, key: key}
}

func objectURL(bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", mockS3Endpoint, bucket, key)
}

func TestS3SourceSizeUsesHeadObjectContentLength(t *testing.T) {
	s := newMockedS3Source(t, "test-bucket", "test-key")

	httpmock.RegisterResponder("HEAD", objectURL("test-bucket", "test-key"),
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusOK, "")
			resp.Header.Set("Content-Length", "42")
			return resp, nil
		},
	)

	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, int64(42), size)
}

func TestS3SourceReadAtSendsExpectedRangeHeader(t *testing.T) {
	s := newMockedS3Source(t, "test-bucket", "test-key")
	content := []byte("0123456789ABCDEF")

	httpmock.RegisterResponder("GET", objectURL("test-bucket", "test-key"),
		func(req *http.Request) (*http.Response, error) {
			if got := req.Header.Get("Range"); got != "bytes=3-6" {
				return httpmock.NewStringResponse(http.StatusBadRequest, "unexpected range: "+got), nil
			}
			resp := httpmock.NewBytesResponse(http.StatusPartialContent, content[3:7])
			resp.Header.Set("Content-Range", fmt.Sprintf("bytes 3-6/%d", len(content)))
			return resp, nil
		},
	)

	buf := make([]byte, 4)
	n, err := s.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, content[3:7], buf)
}

func TestS3SourceReadAtMapsShortReadToEOF(t *testing.T) {
	s := newMockedS3Source(t, "test-bucket", "test-key")

	httpmock.RegisterResponder("GET", objectURL("test-bucket", "test-key"),
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewBytesResponse(http.StatusPartialContent, []byte("ab"))
			resp.Header.Set("Content-Range", "bytes 0-1/2")
			return resp, nil
		},
	)

	buf := make([]byte, 10)
	n, err := s.ReadAt(buf, 0)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 2, n)
}

func TestS3SourceDownloadAllFetchesWholeObject(t *testing.T) {
	s := newMockedS3Source(t, "test-bucket", "test-key")
	content := []byte("the quick brown fox jumps over the lazy dog")

	httpmock.RegisterResponder("HEAD", objectURL("test-bucket", "test-key"),
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusOK, "")
			resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(content)))
			return resp, nil
		},
	)
	httpmock.RegisterResponder("GET", objectURL("test-bucket", "test-key"),
		func(req *http.Request) (*http.Response, error) {
			// The downloader asks for a Range even when it ends up covering
			// the whole object; serve whatever range it requested so this
			// test doesn't depend on the manager's internal part-size choice.
			start, end := 0, len(content)-1
			fmt.Sscanf(req.Header.Get("Range"), "bytes=%d-%d", &start, &end)
			if end >= len(content) {
				end = len(content) - 1
			}
			resp := httpmock.NewBytesResponse(http.StatusPartialContent, content[start:end+1])
			resp.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
			return resp, nil
		},
	)

	got, err := s.DownloadAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestS3SourceDownloadAllWrapsDownloadError(t *testing.T) {
	s := newMockedS3Source(t, "test-bucket", "test-key")

	httpmock.RegisterResponder("HEAD", objectURL("test-bucket", "test-key"),
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusOK, "")
			resp.Header.Set("Content-Length", "8")
			return resp, nil
		},
	)
	httpmock.RegisterResponder("GET", objectURL("test-bucket", "test-key"),
		func(req *http.Request) (*http.Response, error) {
			return httpmock.NewStringResponse(http.StatusInternalServerError, "boom"), nil
		},
	)

	_, err := s.DownloadAll(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "sevenz s3 source: download s3://test-bucket/test-key failed")
}

func TestLoadAWSConfigUsesStaticCredentialsWhenProvided(t *testing.T) {
	opts := S3SourceOpts{
		Region: "us-east-1",
		Credentials: S3Credentials{
			AccessKey: "AKIAEXAMPLE",
			SecretKey: "secret",
		},
	}

	cfg, err := loadAWSConfig(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "us-east-1", cfg.Region)

	creds, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "AKIAEXAMPLE", creds.AccessKeyID)
	require.Equal(t, "secret", creds.SecretAccessKey)
}

func TestLoadAWSConfigFallsBackToDefaultChainWithoutExplicitCredentials(t *testing.T) {
	opts := S3SourceOpts{Region: "eu-west-1"}

	cfg, err := loadAWSConfig(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "eu-west-1", cfg.Region)
	require.NotNil(t, cfg.Credentials, "default config still carries a (possibly anonymous) credentials resolver")
}

func TestStaticCredentialsProviderRoundTrip(t *testing.T) {
	// Sanity check on the credentials.NewStaticCredentialsProvider wiring
	// loadAWSConfig relies on, independent of config.LoadDefaultConfig.
	provider := credentials.NewStaticCredentialsProvider("ak", "sk", "token")
	v, err := provider.Retrieve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ak", v.AccessKeyID)
	require.Equal(t, "sk", v.SecretAccessKey)
	require.Equal(t, "token", v.SessionToken)
}
