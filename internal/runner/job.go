package runner

import (
	"fmt"
	"strconv"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/model"
)

// JobFromRequest builds a job from a submission payload. results is used for
// metadata publication.
func JobFromRequest(req model.JobRequest, results model.ResultsLocation) Job {
	job := Job{
		MetaAnalysisID: req.MetaAnalysisID,
		ArtifactPrefix: req.ArtifactPrefix,
		Environment:    req.Environment,
		NoUpload:       req.NoUpload,
		NSCKey:         req.NSCKey,
		NVKey:          req.NVKey,
		Results:        results,
	}
	if req.NCores != nil {
		job.NCores = *req.NCores
	}
	return job
}

// JobFromExecutionInput decodes the string-valued document a workflow
// execution was started with.
func JobFromExecutionInput(in model.ExecutionInput) (Job, error) {
	job := Job{
		MetaAnalysisID: in.MetaAnalysisID,
		ArtifactPrefix: in.ArtifactPrefix,
		Environment:    in.Environment,
		NSCKey:         in.NSCKey,
		NVKey:          in.NVKey,
		Results:        in.Results,
	}
	if in.NoUpload != "" {
		v, err := strconv.ParseBool(in.NoUpload)
		if err != nil {
			return Job{}, apperr.Wrap(apperr.KindClient, "run", fmt.Sprintf("invalid no_upload %q", in.NoUpload), err)
		}
		job.NoUpload = v
	}
	if in.NCores != "" {
		n, err := strconv.Atoi(in.NCores)
		if err != nil || n < 0 {
			return Job{}, apperr.Wrap(apperr.KindClient, "run", fmt.Sprintf("invalid n_cores %q", in.NCores), err)
		}
		job.NCores = n
	}
	return job, nil
}
