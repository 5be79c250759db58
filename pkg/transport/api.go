package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
)

// Session is a server-side worker session opened by the handshake.
type Session struct {
	ID    string `json:"session_id"`
	PopID string `json:"pop_id"`
	// PushURL is where the push socket connects. Empty means the default
	// events path under the API URL.
	PushURL string `json:"push_url,omitempty"`
}

// SessionRequest opens a session.
type SessionRequest struct {
	PopID     string `json:"pop_id,omitempty"`
	Sandbox   bool   `json:"sandbox"`
	Transient bool   `json:"transient"`
	ClientID  string `json:"client_id"`
}

type popResponse struct {
	PopID string `json:"pop_id"`
}

type urlJob struct {
	URL string `json:"url"`
}

// OpenSession performs the session handshake.
func (c *REST) OpenSession(ctx context.Context, in SessionRequest) (*Session, error) {
	var s Session
	err := c.call(ctx, request{Method: http.MethodPost, Route: "/v1/sessions", Path: "/v1/sessions", JSON: in}, &s)
	if err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: handshake returned no session id", model.ErrConnection)
	}
	return &s, nil
}

// CloseSession releases a session on the server.
func (c *REST) CloseSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, request{
		Method: http.MethodDelete,
		Route:  "/v1/sessions/{sid}",
		Path:   "/v1/sessions/" + url.PathEscape(sessionID),
	}, nil)
}

// ChangePop replaces the pop a session runs and returns its id.
func (c *REST) ChangePop(ctx context.Context, sessionID string, pop *model.Pop) (string, error) {
	var out popResponse
	err := c.call(ctx, request{
		Method: http.MethodPut,
		Route:  "/v1/sessions/{sid}/pop",
		Path:   "/v1/sessions/" + url.PathEscape(sessionID) + "/pop",
		JSON:   pop,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.PopID, nil
}

// UploadJob streams r as the input of a new inference job.
func (c *REST) UploadJob(ctx context.Context, sessionID, mimeType string, r io.Reader) (*model.JobHandle, error) {
	var h model.JobHandle
	err := c.call(ctx, request{
		Method:      http.MethodPost,
		Route:       "/v1/sessions/{sid}/jobs",
		Path:        "/v1/sessions/" + url.PathEscape(sessionID) + "/jobs",
		Body:        r,
		ContentType: mimeType,
	}, &h)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// URLJob starts an inference job on a remote asset.
func (c *REST) URLJob(ctx context.Context, sessionID, assetURL string) (*model.JobHandle, error) {
	var h model.JobHandle
	err := c.call(ctx, request{
		Method: http.MethodPost,
		Route:  "/v1/sessions/{sid}/jobs",
		Path:   "/v1/sessions/" + url.PathEscape(sessionID) + "/jobs",
		JSON:   urlJob{URL: assetURL},
	}, &h)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Job returns the authoritative state of a job including all results
// produced so far.
func (c *REST) Job(ctx context.Context, jobID string) (*model.JobStatus, error) {
	var st model.JobStatus
	err := c.call(ctx, request{
		Method: http.MethodGet,
		Route:  "/v1/jobs/{jid}",
		Path:   "/v1/jobs/" + url.PathEscape(jobID),
	}, &st)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Dataset fetches a dataset record.
func (c *REST) Dataset(ctx context.Context, datasetUUID string) (*model.Dataset, error) {
	var d model.Dataset
	err := c.call(ctx, request{
		Method: http.MethodGet,
		Route:  "/v1/datasets/{uuid}",
		Path:   "/v1/datasets/" + url.PathEscape(datasetUUID),
	}, &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DatasetVersion fetches one version of a dataset.
func (c *REST) DatasetVersion(ctx context.Context, datasetUUID string, version int) (*model.DatasetVersion, error) {
	var v model.DatasetVersion
	err := c.call(ctx, request{
		Method: http.MethodGet,
		Route:  "/v1/datasets/{uuid}/versions/{v}",
		Path:   versionPath(datasetUUID, version),
	}, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// AnalyzeDatasetVersion starts an analysis job over a dataset version.
func (c *REST) AnalyzeDatasetVersion(ctx context.Context, datasetUUID string, version int) (*model.JobHandle, error) {
	var h model.JobHandle
	err := c.call(ctx, request{
		Method: http.MethodPost,
		Route:  "/v1/datasets/{uuid}/versions/{v}/analyze",
		Path:   versionPath(datasetUUID, version) + "/analyze",
	}, &h)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// TrainModel starts a training job.
func (c *REST) TrainModel(ctx context.Context, modelUUID string, in model.TrainRequest) (*model.JobHandle, error) {
	var h model.JobHandle
	err := c.call(ctx, request{
		Method: http.MethodPost,
		Route:  "/v1/models/{uuid}/train",
		Path:   "/v1/models/" + url.PathEscape(modelUUID) + "/train",
		JSON:   in,
	}, &h)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Health returns the decoded health document. It is not authenticated.
func (c *REST) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, request{Method: http.MethodGet, Route: "/v1/health", Path: "/v1/health", NoAuth: true}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func versionPath(datasetUUID string, version int) string {
	return "/v1/datasets/" + url.PathEscape(datasetUUID) + "/versions/" + strconv.Itoa(version)
}
