package blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/logger"
)

// S3 stores bodies in an S3-compatible bucket, optionally encrypting them
// client-side with AES-256-GCM before upload.
type S3 struct {
	client        *minio.Client
	bucket        string
	encryptionKey []byte
}

// NewS3 builds the client from configuration. With cfg.Encrypt set the
// encryption key must be 64 hex characters.
func NewS3(cfg config.S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize s3 client: %w", err)
	}

	s := &S3{client: client, bucket: cfg.Bucket}
	if cfg.Encrypt {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
		}
		s.encryptionKey = key
		logger.Info("blob: client-side encryption enabled")
	}
	return s, nil
}

func (s *S3) Put(ctx context.Context, hash string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { observe("put", start, err) }()

	if s.encryptionKey != nil {
		data, readErr := io.ReadAll(body)
		if readErr != nil {
			err = fmt.Errorf("read body for encryption: %w", readErr)
			return err
		}
		encrypted, encErr := encryptData(s.encryptionKey, data)
		if encErr != nil {
			err = fmt.Errorf("encrypt body: %w", encErr)
			return err
		}
		body = bytes.NewReader(encrypted)
		size = int64(len(encrypted))
	}

	_, err = s.client.PutObject(ctx, s.bucket, hash, body, size,
		minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		return fmt.Errorf("put object %s: %w", hash, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, hash string) (body io.ReadCloser, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()

	object, err := s.client.GetObject(ctx, s.bucket, hash, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", hash, err)
	}

	if s.encryptionKey == nil {
		// GetObject is lazy; surface a missing object now instead of on
		// the first read.
		if _, statErr := object.Stat(); statErr != nil {
			_ = object.Close()
			if isNotFound(statErr) {
				err = consts.ErrContentMissing
				return nil, err
			}
			err = fmt.Errorf("stat object %s: %w", hash, statErr)
			return nil, err
		}
		return object, nil
	}

	encrypted, readErr := io.ReadAll(object)
	closeErr := object.Close()
	if readErr != nil {
		if isNotFound(readErr) {
			err = consts.ErrContentMissing
			return nil, err
		}
		err = fmt.Errorf("read object %s: %w", hash, readErr)
		return nil, err
	}
	if closeErr != nil {
		logger.Warn("blob: close object after read", "hash", hash, "error", closeErr)
	}
	plain, decErr := decryptData(s.encryptionKey, encrypted)
	if decErr != nil {
		err = fmt.Errorf("decrypt object %s: %w", hash, decErr)
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

func (s *S3) Exists(ctx context.Context, hash string) (ok bool, err error) {
	start := time.Now()
	defer func() { observe("exists", start, err) }()

	_, err = s.client.StatObject(ctx, s.bucket, hash, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		err = nil
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", hash, err)
}

// Delete removes a body. Deleting an absent key succeeds, so retries are
// harmless.
func (s *S3) Delete(ctx context.Context, hash string) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	err = s.client.RemoveObject(ctx, s.bucket, hash, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %s: %w", hash, err)
	}
	err = nil
	return nil
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && resp.StatusCode == 404
}
