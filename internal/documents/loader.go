// Package documents fetches the studyset, annotation and specification
// documents that make up a meta-analysis bundle.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/model"
)

// Document source base URLs per environment.
const (
	ProductionComposeURL = "https://compose.neurosynth.org/api"
	ProductionStoreURL   = "https://neurostore.org/api"
	StagingComposeURL    = "https://synth.neurostore.xyz/api"
	StagingStoreURL      = "https://neurostore.xyz/api"
)

// Document names used in fetch errors.
const (
	DocMetaAnalysis  = "meta-analysis"
	DocStudyset      = "studyset"
	DocAnnotation    = "annotation"
	DocSpecification = "specification"
)

// Fetch failure reasons.
const (
	ReasonNotFound  = "not_found"
	ReasonTransport = "transport"
	ReasonMalformed = "malformed"
)

// FetchError reports which document could not be retrieved and why.
type FetchError struct {
	Document string
	ID       string
	Reason   string
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s %q: %s", e.Document, e.ID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Bundle holds the three documents needed to run one job.
type Bundle struct {
	MetaAnalysisID string          `json:"meta_analysis_id"`
	Studyset       json.RawMessage `json:"studyset"`
	Annotation     json.RawMessage `json:"annotation"`
	Specification  json.RawMessage `json:"specification"`

	// StudysetSnapshot and AnnotationSnapshot report whether the cached
	// snapshot on the meta-analysis record was used instead of a full fetch.
	StudysetSnapshot   bool `json:"-"`
	AnnotationSnapshot bool `json:"-"`
}

// Endpoints holds the document source base URLs.
type Endpoints struct {
	ComposeURL string
	StoreURL   string
}

// EndpointsFor returns the default endpoints for an environment. Anything
// other than staging resolves to production.
func EndpointsFor(environment string) Endpoints {
	if environment == model.EnvironmentStaging {
		return Endpoints{ComposeURL: StagingComposeURL, StoreURL: StagingStoreURL}
	}
	return Endpoints{ComposeURL: ProductionComposeURL, StoreURL: ProductionStoreURL}
}

// Loader fetches bundles from the compose and store APIs.
type Loader struct {
	compose *resty.Client
	store   *resty.Client
	logger  *slog.Logger
}

// NewLoader creates a loader for the given endpoints. A zero timeout leaves
// the client default in place.
func NewLoader(endpoints Endpoints, timeout time.Duration, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		compose: newClient(endpoints.ComposeURL, timeout),
		store:   newClient(endpoints.StoreURL, timeout),
		logger:  logger,
	}
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

// Load resolves the meta-analysis record and fetches its studyset, annotation
// and specification. Any single failure fails the whole bundle.
func (l *Loader) Load(ctx context.Context, metaAnalysisID string) (*Bundle, error) {
	parent, err := l.fetch(ctx, l.compose, "/meta-analyses/{id}", map[string]string{"nested": "true"}, DocMetaAnalysis, metaAnalysisID)
	if err != nil {
		return nil, loadError(err)
	}

	bundle := &Bundle{MetaAnalysisID: metaAnalysisID}
	var fetches []func(ctx context.Context) error

	studyset := gjson.GetBytes(parent, "studyset")
	if snap, ok := snapshot(studyset); ok {
		bundle.Studyset = snap
		bundle.StudysetSnapshot = true
	} else {
		id := childID(studyset, "neurostore_id")
		if id == "" {
			return nil, loadError(missingReference(metaAnalysisID, DocStudyset))
		}
		fetches = append(fetches, func(ctx context.Context) (err error) {
			bundle.Studyset, err = l.fetch(ctx, l.store, "/studysets/{id}", map[string]string{"nested": "true"}, DocStudyset, id)
			return err
		})
	}

	annotation := gjson.GetBytes(parent, "annotation")
	if snap, ok := snapshot(annotation); ok {
		bundle.Annotation = snap
		bundle.AnnotationSnapshot = true
	} else {
		id := childID(annotation, "neurostore_id")
		if id == "" {
			return nil, loadError(missingReference(metaAnalysisID, DocAnnotation))
		}
		fetches = append(fetches, func(ctx context.Context) (err error) {
			bundle.Annotation, err = l.fetch(ctx, l.store, "/annotations/{id}", nil, DocAnnotation, id)
			return err
		})
	}

	specification := gjson.GetBytes(parent, "specification")
	if specification.IsObject() && specification.Get("estimator").Exists() {
		bundle.Specification = json.RawMessage(specification.Raw)
	} else {
		id := childID(specification, "id")
		if id == "" {
			return nil, loadError(missingReference(metaAnalysisID, DocSpecification))
		}
		fetches = append(fetches, func(ctx context.Context) (err error) {
			bundle.Specification, err = l.fetch(ctx, l.compose, "/specifications/{id}", nil, DocSpecification, id)
			return err
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, fetch := range fetches {
		fetch := fetch
		g.Go(func() error { return fetch(gctx) })
	}
	if err := g.Wait(); err != nil {
		return nil, loadError(err)
	}

	l.logger.Debug("bundle.loaded",
		"meta_analysis_id", metaAnalysisID,
		"studyset_snapshot", bundle.StudysetSnapshot,
		"annotation_snapshot", bundle.AnnotationSnapshot,
	)
	return bundle, nil
}

// fetch GETs path with its {id} segment filled in and escaped.
func (l *Loader) fetch(ctx context.Context, client *resty.Client, path string, query map[string]string, doc, id string) (json.RawMessage, error) {
	req := client.R().SetContext(ctx).SetPathParam("id", id)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, &FetchError{Document: doc, ID: id, Reason: ReasonTransport, Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, &FetchError{Document: doc, ID: id, Reason: ReasonNotFound}
	}
	if !resp.IsSuccess() {
		return nil, &FetchError{Document: doc, ID: id, Reason: ReasonTransport, Err: fmt.Errorf("unexpected status %d", resp.StatusCode())}
	}

	body := resp.Body()
	if !json.Valid(body) {
		return nil, &FetchError{Document: doc, ID: id, Reason: ReasonMalformed, Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(body), nil
}

// childID reads a child reference given either as a plain id string or as an
// object carrying the id under key.
func childID(ref gjson.Result, key string) string {
	if ref.IsObject() {
		return ref.Get(key).String()
	}
	if ref.Type == gjson.String {
		return ref.String()
	}
	return ""
}

// snapshot returns the cached document on a child reference, unwrapping an
// optional {"snapshot": {...}} envelope.
func snapshot(ref gjson.Result) (json.RawMessage, bool) {
	if !ref.IsObject() {
		return nil, false
	}
	snap := ref.Get("snapshot")
	if inner := snap.Get("snapshot"); snap.IsObject() && inner.Exists() {
		snap = inner
	}
	if !snap.IsObject() {
		return nil, false
	}
	return json.RawMessage(snap.Raw), true
}

func missingReference(metaAnalysisID, doc string) error {
	return &FetchError{
		Document: DocMetaAnalysis,
		ID:       metaAnalysisID,
		Reason:   ReasonMalformed,
		Err:      fmt.Errorf("record has no %s reference", doc),
	}
}

func loadError(err error) error {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return apperr.Wrap(apperr.KindUpstream, "load bundle", "failed to load bundle", err)
	}
	kind := apperr.KindUpstream
	if fe.Reason == ReasonNotFound {
		kind = apperr.KindNotFound
	}
	return apperr.Wrap(kind, "load bundle", fmt.Sprintf("failed to fetch %s (%s)", fe.Document, fe.Reason), err)
}
