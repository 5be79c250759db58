package sdk

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/internal/testutil/fakeapi"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/config"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestEndpoint_TransientPopEndToEnd(t *testing.T) {
	srv := startServer(t)
	e, log := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)

	require.NoError(t, e.Connect(ctx))
	assert.Equal(t, model.TransientPopID, e.PopID())

	require.NoError(t, e.ChangePop(ctx, &model.Pop{Components: []byte(`[{"type":"inference","model":"eyepop.person"}]`)}))
	assert.Contains(t, e.PopID(), "pop-")
	assert.Equal(t, e.PopID(), srv.PopOf(e.SessionID()))
	require.ErrorIs(t, e.ChangePop(ctx, nil), model.ErrInvalidArgument)

	stream, err := e.Process(ctx, storage.Params{Reader: bytes.NewReader(pngHeader), Name: "frame.png"})
	require.NoError(t, err)

	var preds []model.Prediction
	for p, err := range stream.All(ctx) {
		require.NoError(t, err)
		preds = append(preds, p)
	}
	require.Len(t, preds, 2)
	for _, p := range preds {
		assert.GreaterOrEqual(t, p.SourceWidth, 0.0)
		assert.GreaterOrEqual(t, p.SourceHeight, 0.0)
	}
	assert.Equal(t, "person", preds[0].Objects[0].ClassLabel)
	assert.Equal(t, model.JobSucceeded, stream.Phase())

	require.NoError(t, e.Disconnect(ctx))
	assert.Equal(t, model.StateDisconnected, e.State())
	assert.Zero(t, e.HandlerCount())
	assert.Equal(t, model.StateDisconnected, log.All()[len(log.All())-1])
}

func TestEndpoint_ProcessFailedJobDrainsResults(t *testing.T) {
	srv := startServer(t)
	srv.QueueScript(
		fakeapi.Step{Phase: model.JobRunning},
		fakeapi.Step{Result: model.Prediction{SourceWidth: 320, SourceHeight: 240}},
		fakeapi.Step{Phase: model.JobFailed, Reason: "decoder crashed"},
	)
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))

	stream, err := e.Process(ctx, storage.Params{Reader: bytes.NewReader(pngHeader), MimeType: "image/png"})
	require.NoError(t, err)

	p, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 320.0, p.SourceWidth)

	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, model.ErrJobFailed)
	var jf *model.JobFailedError
	require.True(t, errors.As(err, &jf))
	assert.Equal(t, "decoder crashed", jf.Reason)
	assert.Equal(t, stream.ID(), jf.JobID)
}

func TestEndpoint_ProcessFileAndURL(t *testing.T) {
	srv := startServer(t)
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))

	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0o600))

	stream, err := e.Process(ctx, storage.Params{Path: path})
	require.NoError(t, err)
	n := 0
	for _, err := range stream.All(ctx) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)

	stream, err = e.Process(ctx, storage.Params{URL: "https://example.com/street.jpg"})
	require.NoError(t, err)
	_, err = stream.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	_, err = e.Process(ctx, storage.Params{Path: filepath.Join(t.TempDir(), "missing.jpg")})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestEndpoint_ProcessWithoutFilesystem(t *testing.T) {
	srv := startServer(t)
	e, _ := newTestEndpoint(t, testConfig(srv), WithResolver(storage.NoFSResolver{}))
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))

	_, err := e.Process(ctx, storage.Params{Path: "/tmp/img.jpg"})
	require.ErrorIs(t, err, model.ErrUnsupportedOperation)

	stream, err := e.Process(ctx, storage.Params{Reader: bytes.NewReader(pngHeader)})
	require.NoError(t, err)
	require.NoError(t, stream.Close())
}

func TestEndpoint_PollingWithoutPush(t *testing.T) {
	srv := startServer(t)
	cfg := testConfig(srv)
	cfg.Push = config.PushNone
	e, _ := newTestEndpoint(t, cfg)
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))
	assert.Zero(t, srv.Connections())

	stream, err := e.Process(ctx, storage.Params{Reader: bytes.NewReader(pngHeader)})
	require.NoError(t, err)
	n := 0
	for _, err := range stream.All(ctx) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)
	assert.GreaterOrEqual(t, srv.Hits("GET /v1/jobs/{jid}"), 1)
}

func TestEndpoint_StreamEndsWithConnection(t *testing.T) {
	srv := startServer(t)
	srv.QueueScript(fakeapi.Step{Phase: model.JobRunning}, fakeapi.Step{Delay: time.Minute, Phase: model.JobSucceeded})
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))

	stream, err := e.Process(ctx, storage.Params{Reader: bytes.NewReader(pngHeader)})
	require.NoError(t, err)
	require.NoError(t, e.Disconnect(ctx))

	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, model.ErrNotConnected)
}

func TestEndpoint_Datasets(t *testing.T) {
	srv := startServer(t)
	srv.AddDataset(model.Dataset{
		UUID: "ds-1",
		Name: "street",
		Versions: []model.DatasetVersion{
			{Version: 1, AssetCount: 12, Status: "ready"},
			{Version: 2, Modifiable: true},
		},
	})
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))

	d, err := e.Dataset(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "street", d.Name)
	assert.Len(t, d.Versions, 2)

	v, err := e.DatasetVersion(ctx, "ds-1", 2)
	require.NoError(t, err)
	assert.True(t, v.Modifiable)

	_, err = e.Dataset(ctx, "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.DatasetVersion(ctx, "ds-1", 9)
	require.ErrorIs(t, err, model.ErrNotFound)

	analysis, err := e.AnalyzeDatasetVersion(ctx, "ds-1", 1)
	require.NoError(t, err)
	var results []model.JobResult
	for r, err := range analysis.All(ctx) {
		require.NoError(t, err)
		results = append(results, r)
	}
	require.Len(t, results, 2)
	assert.Equal(t, uint64(0), results[0].Seq)
	assert.Equal(t, uint64(1), results[1].Seq)

	_, err = e.AnalyzeDatasetVersion(ctx, "nope", 1)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestEndpoint_TrainModel(t *testing.T) {
	srv := startServer(t)
	srv.AddDataset(model.Dataset{UUID: "ds-1", Versions: []model.DatasetVersion{{Version: 1}}})
	srv.QueueScript(
		fakeapi.Step{Phase: model.JobRunning},
		fakeapi.Step{Result: map[string]any{"epoch": 1, "loss": 0.4}},
		fakeapi.Step{Phase: model.JobFailed, Reason: "diverged"},
	)
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))

	_, err := e.TrainModel(ctx, "m-1", model.TrainRequest{DatasetUUID: "unknown", DatasetVersion: 1})
	require.ErrorIs(t, err, model.ErrNotFound)

	stream, err := e.TrainModel(ctx, "m-1", model.TrainRequest{DatasetUUID: "ds-1", DatasetVersion: 1})
	require.NoError(t, err)

	r, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"epoch":1,"loss":0.4}`, string(r.Result))

	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, model.ErrJobFailed)
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, model.ErrJobFailed, "terminal error is sticky")
}

func TestEndpoint_Healthcheck(t *testing.T) {
	srv := startServer(t)
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)

	doc, err := e.Healthcheck().HTTP(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", doc["status"])

	_, err = e.Healthcheck().GRPC(ctx)
	require.ErrorIs(t, err, model.ErrUnsupportedOperation)
}

func TestEndpoint_SucceededStreamEndsWithEOF(t *testing.T) {
	srv := startServer(t)
	e, _ := newTestEndpoint(t, testConfig(srv))
	ctx := testContext(t)
	require.NoError(t, e.Connect(ctx))

	stream, err := e.Process(ctx, storage.Params{Reader: bytes.NewReader(pngHeader)})
	require.NoError(t, err)
	for range 2 {
		_, err := stream.Next(ctx)
		require.NoError(t, err)
	}
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}
