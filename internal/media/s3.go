// Package media uploads chat attachments to S3-compatible storage and
// hands back the public URL that becomes the message content for IMAGE
// and FILE messages.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Config holds S3 settings, typically read from S3_* environment
// variables. Enabled follows from a non-empty bucket.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// Uploader stores attachment bytes under a session-scoped key.
type Uploader struct {
	client *s3.Client
	cfg    Config
}

// NewUploader builds an S3 uploader. An empty bucket disables uploads and
// returns (nil, nil).
func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		log.Info().Msg("S3 bucket not set, attachment uploads disabled")
		return nil, nil
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		// Endpoints that already carry the bucket name break key-based
		// addressing, strip it.
		if strings.Contains(endpoint, cfg.Bucket+".") {
			endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
			log.Warn().
				Str("originalEndpoint", cfg.Endpoint).
				Str("cleanedEndpoint", endpoint).
				Str("bucket", cfg.Bucket).
				Msg("Cleaned bucket name from S3 endpoint")
		}
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: cfg.PathStyle,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		awsCfg.EndpointResolverWithOptions = customResolver
	}

	usePathStyle := cfg.PathStyle
	if strings.Contains(cfg.Bucket, ".") {
		// dots in the bucket name break virtual-host TLS verification
		usePathStyle = true
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	log.Info().Str("bucket", cfg.Bucket).Str("region", cfg.Region).Msg("S3 uploader configured")
	return &Uploader{client: client, cfg: cfg}, nil
}

// Upload stores the attachment and returns its public URL. The key is
// scoped by session and message so attachments can be retention-purged
// alongside their session.
func (u *Uploader) Upload(ctx context.Context, sessionID, messageID, filename, contentType string, data []byte) (string, error) {
	key := fmt.Sprintf("livechat/%s/%s/%s", sessionID, messageID, filename)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to upload attachment to S3")
		return "", fmt.Errorf("failed to upload attachment %s: %w", filename, err)
	}

	url := u.objectURL(key)
	log.Info().Str("key", key).Int("size", len(data)).Str("url", url).Msg("Attachment uploaded")
	return url, nil
}

func (u *Uploader) objectURL(key string) string {
	if u.cfg.PublicURL != "" {
		return strings.TrimRight(u.cfg.PublicURL, "/") + "/" + key
	}
	if u.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(u.cfg.Endpoint, "/"), u.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
}
