package runner

import (
	"context"
	"encoding/json"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/compute"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/objectstore"
)

// ArtifactRef locates one published artifact in the object store.
type ArtifactRef struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

// Metadata is the summary object written next to a job's artifacts. It is
// what the status gateway returns as a job's result.
type Metadata struct {
	MetaAnalysisID         string        `json:"meta_analysis_id"`
	ArtifactPrefix         string        `json:"artifact_prefix"`
	RunID                  string        `json:"run_id"`
	ResultID               string        `json:"result_id,omitempty"`
	NeuroVaultCollectionID string        `json:"neurovault_collection_id,omitempty"`
	MethodDescription      string        `json:"method_description"`
	Artifacts              []ArtifactRef `json:"artifacts"`
	Uploaded               bool          `json:"uploaded"`
	UploadError            string        `json:"upload_error,omitempty"`
	CompletedAt            string        `json:"completed_at"`
}

// publish writes every artifact and the metadata summary under
// {prefix}/{artifact_prefix}/. It does nothing when no bucket or object store
// is configured for the run.
func (d *Driver) publish(ctx context.Context, r *run, res *compute.Result, out *Outcome, uploadErr error) (*Metadata, error) {
	loc := r.job.Results
	if d.deps.Objects == nil || loc.Bucket == "" {
		return nil, nil
	}

	meta := &Metadata{
		MetaAnalysisID:         r.job.MetaAnalysisID,
		ArtifactPrefix:         r.job.ArtifactPrefix,
		RunID:                  r.ID,
		ResultID:               out.ResultID,
		NeuroVaultCollectionID: out.NeuroVaultCollectionID,
		MethodDescription:      res.Description,
		Artifacts:              []ArtifactRef{},
		Uploaded:               !r.job.NoUpload && uploadErr == nil,
		CompletedAt:            model.FormatTimestamp(d.now()),
	}
	if uploadErr != nil {
		meta.UploadError = apperr.Message(uploadErr)
	}

	for _, a := range res.Artifacts() {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return nil, publishError(err)
		}
		key := objectstore.JobKey(loc.Prefix, r.job.ArtifactPrefix, a.Name)
		if err := d.deps.Objects.PutObject(ctx, loc.Bucket, key, data, contentType(a.Name)); err != nil {
			return nil, publishError(err)
		}
		meta.Artifacts = append(meta.Artifacts, ArtifactRef{Name: a.Name, Kind: a.Kind, Key: key})
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, publishError(err)
	}
	key := objectstore.JobKey(loc.Prefix, r.job.ArtifactPrefix, model.MetadataFilename)
	if err := d.deps.Objects.PutObject(ctx, loc.Bucket, key, data, "application/json"); err != nil {
		return nil, publishError(err)
	}

	r.logger.Info("run.metadata_published", "bucket", loc.Bucket, "key", key, "artifacts", len(meta.Artifacts))
	return meta, nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".nii.gz") {
		return "application/gzip"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func publishError(err error) error {
	return apperr.Wrap(apperr.KindUpstream, "publish results", "failed to publish results", err)
}
