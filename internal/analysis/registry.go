package analysis

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Procedure families.
const (
	FamilyCBMA = "cbma"
	FamilyIBMA = "ibma"
)

// EstimatorSpec describes a registered estimator.
type EstimatorSpec struct {
	Family string `json:"family"`
	Name   string `json:"name"`

	// Pairwise estimators compare the primary dataset against a reference dataset.
	Pairwise bool `json:"pairwise"`

	// NewOptions returns a pointer to a zero options struct for decoding args.
	NewOptions func() any `json:"-"`
}

// CorrectorSpec describes a registered corrector.
type CorrectorSpec struct {
	Name       string    `json:"name"`
	NewOptions func() any `json:"-"`
}

// Registry holds the supported estimators and correctors.
type Registry struct {
	mu         sync.RWMutex
	estimators map[string]EstimatorSpec
	correctors map[string]CorrectorSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		estimators: make(map[string]EstimatorSpec),
		correctors: make(map[string]CorrectorSpec),
	}
}

// DefaultRegistry returns a registry populated with every supported procedure.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterEstimator(EstimatorSpec{Family: FamilyCBMA, Name: "ALE", NewOptions: func() any { return &ALEOptions{} }})
	r.RegisterEstimator(EstimatorSpec{Family: FamilyCBMA, Name: "ALESubtraction", Pairwise: true, NewOptions: func() any { return &ALESubtractionOptions{} }})
	r.RegisterEstimator(EstimatorSpec{Family: FamilyCBMA, Name: "KDA", NewOptions: func() any { return &KernelDensityOptions{} }})
	r.RegisterEstimator(EstimatorSpec{Family: FamilyCBMA, Name: "MKDADensity", NewOptions: func() any { return &KernelDensityOptions{} }})
	r.RegisterEstimator(EstimatorSpec{Family: FamilyCBMA, Name: "MKDAChi2", Pairwise: true, NewOptions: func() any { return &MKDAChi2Options{} }})

	for _, name := range []string{"Fishers", "DerSimonianLaird", "Hedges", "SampleSizeBasedLikelihood", "VarianceBasedLikelihood"} {
		r.RegisterEstimator(EstimatorSpec{Family: FamilyIBMA, Name: name, NewOptions: func() any { return &IBMAOptions{} }})
	}
	r.RegisterEstimator(EstimatorSpec{Family: FamilyIBMA, Name: "Stouffers", NewOptions: func() any { return &StouffersOptions{} }})
	r.RegisterEstimator(EstimatorSpec{Family: FamilyIBMA, Name: "WeightedLeastSquares", NewOptions: func() any { return &WeightedLeastSquaresOptions{} }})
	r.RegisterEstimator(EstimatorSpec{Family: FamilyIBMA, Name: "PermutedOLS", NewOptions: func() any { return &PermutedOLSOptions{} }})

	r.RegisterCorrector(CorrectorSpec{Name: "FWECorrector", NewOptions: func() any { return &FWEOptions{} }})
	r.RegisterCorrector(CorrectorSpec{Name: "FDRCorrector", NewOptions: func() any { return &FDROptions{} }})
	return r
}

func estimatorKey(family, name string) string {
	return strings.ToLower(family) + "/" + name
}

// RegisterEstimator adds an estimator, replacing any previous entry with the
// same family and name.
func (r *Registry) RegisterEstimator(spec EstimatorSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimators[estimatorKey(spec.Family, spec.Name)] = spec
}

// RegisterCorrector adds a corrector, replacing any previous entry with the same name.
func (r *Registry) RegisterCorrector(spec CorrectorSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.correctors[spec.Name] = spec
}

// Estimator returns the estimator registered under family and name.
func (r *Registry) Estimator(family, name string) (EstimatorSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.estimators[estimatorKey(family, name)]
	if !ok {
		return EstimatorSpec{}, fmt.Errorf("estimator %q is not registered for %s", name, family)
	}
	return spec, nil
}

// Corrector returns the corrector registered under name.
func (r *Registry) Corrector(name string) (CorrectorSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.correctors[name]
	if !ok {
		return CorrectorSpec{}, fmt.Errorf("corrector %q is not registered", name)
	}
	return spec, nil
}

// Estimators returns every registered estimator sorted by family and name.
func (r *Registry) Estimators() []EstimatorSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]EstimatorSpec, 0, len(r.estimators))
	for _, s := range r.estimators {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool {
		return estimatorKey(specs[i].Family, specs[i].Name) < estimatorKey(specs[j].Family, specs[j].Name)
	})
	return specs
}

// Correctors returns every registered corrector sorted by name.
func (r *Registry) Correctors() []CorrectorSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]CorrectorSpec, 0, len(r.correctors))
	for _, s := range r.correctors {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Name < specs[j].Name
	})
	return specs
}
