package artifact

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/signplane/internal/docker"
)

type fakeS3 struct {
	puts    []*s3.PutObjectInput
	bodies  map[string][]byte
	deleted []string
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if f.bodies == nil {
		f.bodies = map[string][]byte{}
	}
	f.bodies[aws.ToString(params.Key)] = data
	f.puts = append(f.puts, params)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.bodies[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.Key))
	delete(f.bodies, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3ObjectStore(t *testing.T) {
	ctx := context.Background()
	api := &fakeS3{}
	store := NewS3ObjectStore(api, "signplane-artifacts")

	data := []byte("pkcs12 container")
	require.NoError(t, store.Put(ctx, "dev/p12/42-abc.p12", data))

	require.Len(t, api.puts, 1)
	put := api.puts[0]
	require.Equal(t, "signplane-artifacts", aws.ToString(put.Bucket))
	require.Equal(t, s3types.ChecksumAlgorithmCrc64nvme, put.ChecksumAlgorithm)
	require.Equal(t, s3types.ServerSideEncryptionAes256, put.ServerSideEncryption)
	require.Equal(t, int64(len(data)), aws.ToInt64(put.ContentLength))

	raw, err := base64.StdEncoding.DecodeString(aws.ToString(put.ChecksumCRC64NVME))
	require.NoError(t, err)
	h := crc64nvme.New()
	h.Write(data)
	require.Equal(t, h.Sum64(), binary.BigEndian.Uint64(raw))

	got, err := store.Get(ctx, "dev/p12/42-abc.p12")
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, store.Delete(ctx, "dev/p12/42-abc.p12"))
	require.Equal(t, []string{"dev/p12/42-abc.p12"}, api.deleted)
}

type recordingRunner struct {
	files    map[string][]byte
	execs    [][]string
	writeErr error
}

func (r *recordingRunner) Exec(_ context.Context, argv []string) (*docker.Result, error) {
	r.execs = append(r.execs, argv)
	return &docker.Result{}, nil
}

func (r *recordingRunner) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	if r.writeErr != nil {
		return r.writeErr
	}
	if r.files == nil {
		r.files = map[string][]byte{}
	}
	r.files[path] = data
	return nil
}

func TestDualStager_Stage(t *testing.T) {
	ctx := context.Background()
	objects := NewMemoryObjectStore()
	runner := &recordingRunner{}
	stager := NewDualStager(objects, runner, StagerConfig{Prefix: "/dev/p12/"}, zerolog.Nop())

	a, err := stager.Stage(ctx, "42-abc.p12", []byte("p12"))
	require.NoError(t, err)
	require.Equal(t, &Artifact{
		FileName:      "42-abc.p12",
		ObjectKey:     "dev/p12/42-abc.p12",
		AppliancePath: DefaultApplianceDir + "/42-abc.p12",
	}, a)

	stored, err := objects.Get(ctx, a.ObjectKey)
	require.NoError(t, err)
	require.Equal(t, []byte("p12"), stored)
	require.Equal(t, []byte("p12"), runner.files[a.AppliancePath])

	require.NoError(t, stager.Discard(ctx, a))
	require.Equal(t, 0, objects.Len())
	require.Equal(t, [][]string{{"rm", "-f", a.AppliancePath}}, runner.execs)
}

func TestDualStager_ApplianceFailureRemovesObject(t *testing.T) {
	objects := NewMemoryObjectStore()
	runner := &recordingRunner{writeErr: errors.New("container not running")}
	stager := NewDualStager(objects, runner, StagerConfig{Prefix: "dev/p12"}, zerolog.Nop())

	_, err := stager.Stage(context.Background(), "42-abc.p12", []byte("p12"))
	require.ErrorContains(t, err, "container not running")
	require.Equal(t, 0, objects.Len())
}

func TestDualStager_InvalidFileName(t *testing.T) {
	stager := NewDualStager(NewMemoryObjectStore(), &recordingRunner{}, StagerConfig{}, zerolog.Nop())

	for _, name := range []string{"", "../42.p12", `a\b.p12`} {
		_, err := stager.Stage(context.Background(), name, []byte("p12"))
		require.Error(t, err, name)
	}
}
