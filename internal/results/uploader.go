// Package results pushes compute artifacts to the compose results endpoint and,
// optionally, to a NeuroVault collection.
package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/compute"
)

// Multipart field names keyed by artifact kind.
var kindFields = map[string]string{
	compute.KindStatisticalMap:  "statistical_maps",
	compute.KindClusterTable:    "cluster_tables",
	compute.KindDiagnosticTable: "diagnostic_tables",
}

// Uploader creates result records and uploads artifacts to them.
type Uploader struct {
	client *resty.Client
}

// NewUploader creates an uploader for the compose API at baseURL.
func NewUploader(baseURL string, timeout time.Duration) *Uploader {
	return &Uploader{client: newClient(baseURL, timeout)}
}

func newClient(baseURL string, timeout time.Duration) *resty.Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return c
}

// CreateResult registers a new result for a meta-analysis and returns the
// server-issued result id.
func (u *Uploader) CreateResult(ctx context.Context, metaAnalysisID, key string) (string, error) {
	resp, err := u.client.R().
		SetContext(ctx).
		SetAuthToken(key).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"meta_analysis_id": metaAnalysisID}).
		Post("/meta-analysis-results")
	if err := responseError(resp, err); err != nil {
		return "", uploadError("create result record", err)
	}

	id := gjson.GetBytes(resp.Body(), "id").String()
	if id == "" {
		return "", uploadError("create result record", errors.New("response carries no result id"))
	}
	return id, nil
}

// Upload sends every artifact and the method description to the result as a
// single multipart update.
func (u *Uploader) Upload(ctx context.Context, resultID string, res *compute.Result, key string) error {
	req := u.client.R().
		SetContext(ctx).
		SetAuthToken(key).
		SetPathParam("id", resultID).
		SetMultipartFormData(map[string]string{"method_description": res.Description})

	var files []io.Closer
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	for _, a := range res.Artifacts() {
		field, ok := kindFields[a.Kind]
		if !ok {
			return uploadError("upload results", fmt.Errorf("artifact %s has unknown kind %q", a.Name, a.Kind))
		}
		f, err := os.Open(a.Path)
		if err != nil {
			return uploadError("upload results", fmt.Errorf("open artifact: %w", err))
		}
		files = append(files, f)
		req.SetMultipartField(field, a.Name, "application/octet-stream", f)
	}

	resp, err := req.Put("/meta-analysis-results/{id}")
	if err := responseError(resp, err); err != nil {
		return uploadError("upload results", err)
	}
	return nil
}

func responseError(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%s %s: unexpected status %d", resp.Request.Method, resp.Request.URL, resp.StatusCode())
	}
	return nil
}

func uploadError(op string, err error) error {
	return apperr.Wrap(apperr.KindUpload, op, "failed to upload results", err)
}
