//go:build integration

package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/marmos91/stategc/pkg/export"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store/memory"
	"github.com/marmos91/stategc/pkg/tree"
)

// startLocalstack returns an S3 endpoint, using LOCALSTACK_ENDPOINT when set.
func startLocalstack(t *testing.T) string {
	t.Helper()
	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "localstack/localstack:3.0",
			ExposedPorts: []string{"4566/tcp"},
			Env: map[string]string{
				"SERVICES":              "s3",
				"DEFAULT_REGION":        "us-east-1",
				"EAGER_SERVICE_LOADING": "1",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4566/tcp"),
				wait.ForHTTP("/_localstack/health").
					WithPort("4566/tcp").
					WithStartupTimeout(60*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err, "start localstack")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4566")
	require.NoError(t, err)
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestUploadRoundTrip(t *testing.T) {
	ctx := context.Background()
	endpoint := startLocalstack(t)

	src := memory.New()
	w, err := tree.Open(ctx, src, src, src)
	require.NoError(t, err)
	var changes []tree.Change
	for i := range 500 {
		changes = append(changes, tree.Put(fmt.Sprintf("acct-%03d", i), []byte(fmt.Sprint(i))))
	}
	root, err := w.Commit(ctx, 1, changes)
	require.NoError(t, err)

	dir := t.TempDir()
	b, err := export.NewBuilder(src, export.Config{BatchSize: 64})
	require.NoError(t, err)
	meta, err := b.Build(ctx, export.Request{StateRoot: root, TxOrder: 1, GlobalSize: 500, OutputDir: dir})
	require.NoError(t, err)

	cfg := Config{
		Bucket:          "stategc-exports",
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		KeyPrefix:       "snapshots/",
		ForcePathStyle:  true,
	}
	u, err := NewFromConfig(ctx, cfg)
	require.NoError(t, err)
	_, err = u.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)})
	require.NoError(t, err)

	res, err := u.Upload(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, meta.NodeCount, res.Nodes)
	assert.NoFileExists(t, dir+"/"+export.DumpFile, "local dump removed after upload")

	obj, err := u.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(cfg.Bucket), Key: aws.String(res.DumpKey)})
	require.NoError(t, err)
	defer obj.Body.Close()

	want, err := tree.Collect(ctx, src, root)
	require.NoError(t, err)
	got := make(map[node.Hash]struct{})
	n, err := export.ReadDump(obj.Body, func(h node.Hash, _ []byte) error {
		got[h] = struct{}{}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, res.Nodes, n)
	assert.Equal(t, want, got)

	head, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(cfg.Bucket), Key: aws.String(res.MetaKey)})
	require.NoError(t, err)
	assert.Positive(t, aws.ToInt64(head.ContentLength))
}
