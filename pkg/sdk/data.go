package sdk

import (
	"context"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/jobs"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
)

// Dataset fetches one dataset record.
func (e *Endpoint) Dataset(ctx context.Context, datasetUUID string) (*model.Dataset, error) {
	if _, _, err := e.active(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Request)
	defer cancel()
	return e.rest.Dataset(ctx, datasetUUID)
}

// DatasetVersion fetches one version of a dataset. Unknown datasets and
// versions fail with model.ErrNotFound.
func (e *Endpoint) DatasetVersion(ctx context.Context, datasetUUID string, version int) (*model.DatasetVersion, error) {
	if _, _, err := e.active(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Request)
	defer cancel()
	return e.rest.DatasetVersion(ctx, datasetUUID, version)
}

// AnalyzeDatasetVersion starts an analysis job for a dataset version.
func (e *Endpoint) AnalyzeDatasetVersion(ctx context.Context, datasetUUID string, version int) (*jobs.Stream[model.JobResult], error) {
	_, life, err := e.active()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Request)
	defer cancel()
	h, err := e.rest.AnalyzeDatasetVersion(ctx, datasetUUID, version)
	if err != nil {
		return nil, err
	}
	return newStream(e, life, *h, jobs.Raw), nil
}

// TrainModel starts training modelUUID on a dataset version.
func (e *Endpoint) TrainModel(ctx context.Context, modelUUID string, req model.TrainRequest) (*jobs.Stream[model.JobResult], error) {
	_, life, err := e.active()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Request)
	defer cancel()
	h, err := e.rest.TrainModel(ctx, modelUUID, req)
	if err != nil {
		return nil, err
	}
	return newStream(e, life, *h, jobs.Raw), nil
}
