// Package analysis turns a declarative meta-analysis specification into a
// configured estimator and optional corrector, and derives the working
// datasets from a studyset and its annotation.
//
// Estimators and correctors come from a closed Registry keyed by procedure
// family and name. Arguments are decoded into typed option structs and
// validated before anything is handed to the compute step.
package analysis
