package results

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/compute"
)

func writeArtifact(t *testing.T, dir, name, kind, body string) compute.Artifact {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return compute.Artifact{Name: name, Kind: kind, Path: path}
}

func testResult(t *testing.T) *compute.Result {
	t.Helper()
	dir := t.TempDir()
	return &compute.Result{
		Maps: []compute.Artifact{
			writeArtifact(t, dir, "z.nii.gz", compute.KindStatisticalMap, "zmap"),
			writeArtifact(t, dir, "p.nii.gz", compute.KindStatisticalMap, "pmap"),
		},
		Tables: []compute.Artifact{
			writeArtifact(t, dir, "clusters.tsv", compute.KindClusterTable, "c"),
			writeArtifact(t, dir, "counts.tsv", compute.KindDiagnosticTable, "d"),
		},
		Description: "method text",
	}
}

func TestCreateResult(t *testing.T) {
	var auth string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/meta-analysis-results", r.URL.Path)
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"RES1"}`))
	}))
	defer srv.Close()

	id, err := NewUploader(srv.URL, time.Second).CreateResult(context.Background(), "MA1", "secret")
	require.NoError(t, err)
	assert.Equal(t, "RES1", id)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "MA1", body["meta_analysis_id"])
}

func TestCreateResultFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail":"nope"}`},
		{"no id", http.StatusOK, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewUploader(srv.URL, time.Second).CreateResult(context.Background(), "MA1", "k")
			require.Error(t, err)
			assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))
		})
	}
}

func TestUpload(t *testing.T) {
	parts := map[string][]string{}
	var description, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/meta-analysis-results/RES1", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		description = r.FormValue("method_description")
		for field, headers := range r.MultipartForm.File {
			for _, h := range headers {
				f, err := h.Open()
				require.NoError(t, err)
				data, _ := io.ReadAll(f)
				_ = f.Close()
				parts[field] = append(parts[field], h.Filename+"="+string(data))
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewUploader(srv.URL, time.Second).Upload(context.Background(), "RES1", testResult(t), "secret")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "method text", description)
	assert.ElementsMatch(t, []string{"z.nii.gz=zmap", "p.nii.gz=pmap"}, parts["statistical_maps"])
	assert.Equal(t, []string{"clusters.tsv=c"}, parts["cluster_tables"])
	assert.Equal(t, []string{"counts.tsv=d"}, parts["diagnostic_tables"])
}

func TestUploadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewUploader(srv.URL, time.Second).Upload(context.Background(), "RES1", testResult(t), "k")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))
	assert.Equal(t, "failed to upload results", apperr.Message(err))
}

func TestUploadEscapesResultID(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		assert.Empty(t, r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewUploader(srv.URL, time.Second).Upload(context.Background(), "RES/1?x", testResult(t), "k")
	require.NoError(t, err)
	assert.Equal(t, "/meta-analysis-results/RES%2F1%3Fx", path)
}

func TestUploadMissingFile(t *testing.T) {
	res := &compute.Result{Maps: []compute.Artifact{{Name: "gone.nii.gz", Kind: compute.KindStatisticalMap, Path: "/nonexistent/gone.nii.gz"}}}

	err := NewUploader("http://127.0.0.1:1", time.Second).Upload(context.Background(), "RES1", res, "k")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))
}

func TestNeuroVaultPush(t *testing.T) {
	var collectionName string
	var images []string
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		collectionName = body["name"]
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 4242}`))
	})
	mux.HandleFunc("/collections/4242/images/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer nv", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		images = append(images, r.FormValue("name")+":"+r.FormValue("map_type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res := testResult(t)
	id, err := NewNeuroVault(srv.URL, time.Second).Push(context.Background(), "compose MA1", res.Maps, "nv")
	require.NoError(t, err)

	assert.Equal(t, "4242", id)
	assert.Equal(t, "compose MA1", collectionName)
	assert.Equal(t, []string{"z.nii.gz:Z", "p.nii.gz:P"}, images)
}

func TestNeuroVaultPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewNeuroVault(srv.URL, time.Second).Push(context.Background(), "c", nil, "nv")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))
}

func TestMapType(t *testing.T) {
	assert.Equal(t, "Z", mapType("z_corr-FWE_method-montecarlo.nii.gz"))
	assert.Equal(t, "T", mapType("t_desc-group1.nii.gz"))
	assert.Equal(t, "P", mapType("p.nii.gz"))
	assert.Equal(t, "P", mapType("p_desc-uncorrected.nii.gz"))
	assert.Equal(t, "Other", mapType("prob_desc-group.nii.gz"))
	assert.Equal(t, "Chi2", mapType("chi2_desc-uniformity.nii.gz"))
	assert.Equal(t, "Other", mapType("stat.nii.gz"))
}
