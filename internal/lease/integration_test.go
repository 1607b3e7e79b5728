//go:build integration

package lease

import (
	"context"
	"testing"

	"github.com/ligustah/cdsdl/internal/testutils"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/s3blob"
)

func TestIntegrationRedisStore(t *testing.T) {
	ctx := context.Background()
	env := testutils.StartRedisContainer(t, ctx)
	t.Cleanup(func() { env.Close(ctx) })

	s, err := Open(ctx, env.URL+"?prefix=cdsdl-it")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	testStoreContract(t, s)
}

func TestIntegrationS3BlobStore(t *testing.T) {
	ctx := context.Background()
	env := testutils.StartMinioContainer(t, ctx, "leases")
	t.Cleanup(func() { env.Close(ctx) })

	s, err := Open(ctx, env.BucketURL)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	testStoreContract(t, s)
}
