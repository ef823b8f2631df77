package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/neurostuff/compose-runner/internal/compute"
)

// DefaultNeuroVaultURL is the public NeuroVault API.
const DefaultNeuroVaultURL = "https://neurovault.org/api"

// NeuroVault pushes statistical maps into a new NeuroVault collection.
type NeuroVault struct {
	client *resty.Client
}

// NewNeuroVault creates a NeuroVault client for baseURL.
func NewNeuroVault(baseURL string, timeout time.Duration) *NeuroVault {
	if baseURL == "" {
		baseURL = DefaultNeuroVaultURL
	}
	return &NeuroVault{client: newClient(baseURL, timeout)}
}

// Push creates a collection named name and uploads each map into it. It
// returns the collection id.
func (n *NeuroVault) Push(ctx context.Context, name string, maps []compute.Artifact, key string) (string, error) {
	id, err := n.createCollection(ctx, name, key)
	if err != nil {
		return "", uploadError("create neurovault collection", err)
	}
	for _, m := range maps {
		if err := n.uploadImage(ctx, id, m, key); err != nil {
			return id, uploadError("upload neurovault image", err)
		}
	}
	return id, nil
}

func (n *NeuroVault) createCollection(ctx context.Context, name, key string) (string, error) {
	resp, err := n.client.R().
		SetContext(ctx).
		SetAuthToken(key).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"name": name}).
		Post("/collections/")
	if err := responseError(resp, err); err != nil {
		return "", err
	}

	id := gjson.GetBytes(resp.Body(), "id").String()
	if id == "" {
		return "", errors.New("response carries no collection id")
	}
	return id, nil
}

func (n *NeuroVault) uploadImage(ctx context.Context, collectionID string, m compute.Artifact, key string) error {
	f, err := os.Open(m.Path)
	if err != nil {
		return fmt.Errorf("open map: %w", err)
	}
	defer f.Close()

	resp, err := n.client.R().
		SetContext(ctx).
		SetAuthToken(key).
		SetPathParam("collection", collectionID).
		SetMultipartFormData(map[string]string{
			"name":           m.Name,
			"map_type":       mapType(m.Name),
			"analysis_level": "M",
			"modality":       "fMRI-BOLD",
		}).
		SetMultipartField("file", m.Name, "application/octet-stream", f).
		Post("/collections/{collection}/images/")
	return responseError(resp, err)
}

// mapType derives the NeuroVault map type from a map file name.
func mapType(name string) string {
	switch lower := strings.ToLower(name); {
	case strings.HasPrefix(lower, "z"):
		return "Z"
	case strings.HasPrefix(lower, "t_") || strings.HasPrefix(lower, "t."):
		return "T"
	case strings.HasPrefix(lower, "p_") || strings.HasPrefix(lower, "p."):
		return "P"
	case strings.HasPrefix(lower, "chi2"):
		return "Chi2"
	default:
		return "Other"
	}
}
