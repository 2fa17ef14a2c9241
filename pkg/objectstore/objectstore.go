package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"shareyoursales-ace/pkg/config"
)

var Module = fx.Module("objectstore", fx.Provide(ProvideArchive))

// Archive persists raw webhook payloads for dispute review. Archival is
// best-effort and never blocks order processing.
type Archive interface {
	StorePayload(ctx context.Context, source, reference string, payload []byte) (string, error)
}

type Params struct {
	fx.In

	Config *config.Config
}

func ProvideArchive(p Params) (Archive, error) {
	if p.Config.Minio.Endpoint == "" {
		zap.L().Info("minio endpoint not configured, payload archive disabled")
		return &noopArchive{}, nil
	}

	client, err := minio.New(p.Config.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(p.Config.Minio.AccessKey, p.Config.Minio.SecretKey, ""),
		Secure: p.Config.Minio.Secure,
	})
	if err != nil {
		return nil, err
	}

	return &minioArchive{
		client: client,
		bucket: p.Config.Minio.BucketName,
	}, nil
}

type minioArchive struct {
	client *minio.Client
	bucket string
}

func (a *minioArchive) StorePayload(ctx context.Context, source, reference string, payload []byte) (string, error) {
	key := fmt.Sprintf("webhooks/%s/%s/%s.json",
		source,
		time.Now().UTC().Format("2006/01/02"),
		reference,
	)

	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return "", err
	}

	return key, nil
}

type noopArchive struct{}

func (noopArchive) StorePayload(context.Context, string, string, []byte) (string, error) {
	return "", nil
}
