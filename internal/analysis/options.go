package analysis

// Option structs decoded from estimator and corrector args. Unrecognized keys
// are kept in Extra and passed through to the compute step untouched.

// ALEOptions configures the ALE estimator.
type ALEOptions struct {
	KernelFWHM       *float64       `mapstructure:"kernel__fwhm" validate:"omitempty,gt=0"`
	KernelSampleSize *int           `mapstructure:"kernel__sample_size" validate:"omitempty,gt=0"`
	NullMethod       string         `mapstructure:"null_method" validate:"omitempty,oneof=approximate montecarlo reduced_montecarlo"`
	NIters           *int           `mapstructure:"n_iters" validate:"omitempty,gt=0"`
	NCores           *int           `mapstructure:"n_cores" validate:"omitempty,gte=-1"`
	Extra            map[string]any `mapstructure:",remain"`
}

// ALESubtractionOptions configures the pairwise ALE subtraction estimator.
type ALESubtractionOptions struct {
	KernelFWHM *float64       `mapstructure:"kernel__fwhm" validate:"omitempty,gt=0"`
	NIters     *int           `mapstructure:"n_iters" validate:"omitempty,gt=0"`
	NCores     *int           `mapstructure:"n_cores" validate:"omitempty,gte=-1"`
	Extra      map[string]any `mapstructure:",remain"`
}

// KernelDensityOptions configures the KDA and MKDADensity estimators.
type KernelDensityOptions struct {
	KernelR    *float64       `mapstructure:"kernel__r" validate:"omitempty,gt=0"`
	NullMethod string         `mapstructure:"null_method" validate:"omitempty,oneof=approximate montecarlo reduced_montecarlo"`
	NIters     *int           `mapstructure:"n_iters" validate:"omitempty,gt=0"`
	NCores     *int           `mapstructure:"n_cores" validate:"omitempty,gte=-1"`
	Extra      map[string]any `mapstructure:",remain"`
}

// MKDAChi2Options configures the pairwise MKDA chi-square estimator.
type MKDAChi2Options struct {
	KernelR *float64       `mapstructure:"kernel__r" validate:"omitempty,gt=0"`
	Prior   *float64       `mapstructure:"prior" validate:"omitempty,gte=0,lte=1"`
	Extra   map[string]any `mapstructure:",remain"`
}

// IBMAOptions configures image-based estimators without extra parameters.
type IBMAOptions struct {
	AggressiveMask *bool          `mapstructure:"aggressive_mask"`
	Extra          map[string]any `mapstructure:",remain"`
}

// StouffersOptions configures the Stouffers estimator.
type StouffersOptions struct {
	AggressiveMask           *bool          `mapstructure:"aggressive_mask"`
	UseSampleSize            *bool          `mapstructure:"use_sample_size"`
	NormalizeContrastWeights *bool          `mapstructure:"normalize_contrast_weights"`
	Extra                    map[string]any `mapstructure:",remain"`
}

// WeightedLeastSquaresOptions configures the WeightedLeastSquares estimator.
type WeightedLeastSquaresOptions struct {
	AggressiveMask *bool          `mapstructure:"aggressive_mask"`
	Tau2           *float64       `mapstructure:"tau2" validate:"omitempty,gte=0"`
	Extra          map[string]any `mapstructure:",remain"`
}

// PermutedOLSOptions configures the PermutedOLS estimator.
type PermutedOLSOptions struct {
	AggressiveMask *bool          `mapstructure:"aggressive_mask"`
	TwoSided       *bool          `mapstructure:"two_sided"`
	Extra          map[string]any `mapstructure:",remain"`
}

// FWEOptions configures the family-wise error corrector.
type FWEOptions struct {
	Method      string         `mapstructure:"method" validate:"omitempty,oneof=bonferroni montecarlo"`
	VoxelThresh *float64       `mapstructure:"voxel_thresh" validate:"omitempty,gt=0"`
	NIters      *int           `mapstructure:"n_iters" validate:"omitempty,gt=0"`
	NCores      *int           `mapstructure:"n_cores" validate:"omitempty,gte=-1"`
	Extra       map[string]any `mapstructure:",remain"`
}

// FDROptions configures the false discovery rate corrector.
type FDROptions struct {
	Method string         `mapstructure:"method" validate:"omitempty,oneof=indep negcorr"`
	Alpha  *float64       `mapstructure:"alpha" validate:"omitempty,gt=0,lt=1"`
	Extra  map[string]any `mapstructure:",remain"`
}
