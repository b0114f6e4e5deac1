// Package offsite copies the database dump tarball and run metrics to an
// S3-compatible bucket. The deduplicating repository is the primary store;
// the off-site copy exists so a total loss of the host still leaves last
// night's database state recoverable with nothing but standard tools.
package offsite

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/rowjay/hostbak/internal/cryptoutil"
	"github.com/rowjay/hostbak/internal/util"
)

type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
	Insecure  bool
	// EncryptionKey, when set, encrypts objects client-side before upload.
	EncryptionKey []byte

	Retries int
	Backoff time.Duration
}

type Uploader struct {
	client *minio.Client
	opts   Options
	log    zerolog.Logger
}

func New(opts Options, log zerolog.Logger) (*Uploader, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	lookup := minio.BucketLookupDNS
	if opts.PathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		Transport:    transport,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create offsite client: %w", err)
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	return &Uploader{client: client, opts: opts, log: log}, nil
}

// UploadFile stores a local file under the configured prefix. The object
// key carries the original file name; encrypted objects get an .enc suffix
// so a restore operator knows to decrypt first.
func (u *Uploader) UploadFile(ctx context.Context, localPath string, metadata map[string]string) (string, error) {
	key := objectKey(u.opts.Prefix, localPath, len(u.opts.EncryptionKey) > 0)

	err := util.Retry(ctx, u.opts.Retries, u.opts.Backoff, func() error {
		return u.put(ctx, key, localPath, metadata)
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	u.log.Info().Str("bucket", u.opts.Bucket).Str("key", key).Msg("offsite upload complete")
	return key, nil
}

func objectKey(prefix, localPath string, encrypted bool) string {
	key := path.Join(prefix, path.Base(localPath))
	if encrypted {
		key += ".enc"
	}
	return key
}

func (u *Uploader) put(ctx context.Context, key, localPath string, metadata map[string]string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	var reader io.Reader = file
	size := int64(-1)
	if len(u.opts.EncryptionKey) == 0 {
		info, err := file.Stat()
		if err != nil {
			return err
		}
		size = info.Size()
	} else {
		// Stream through the cipher; the encrypted size is not known up
		// front, so the client falls back to multipart upload.
		pr, pw := io.Pipe()
		go func() {
			enc, err := cryptoutil.EncryptWriter(pw, u.opts.EncryptionKey)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(enc, file); err != nil {
				pw.CloseWithError(err)
				return
			}
			pw.CloseWithError(enc.Close())
		}()
		reader = pr
	}

	_, err = u.client.PutObject(ctx, u.opts.Bucket, key, reader, size, minio.PutObjectOptions{
		UserMetadata: metadata,
		ContentType:  "application/octet-stream",
	})
	return err
}
