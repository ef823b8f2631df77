// Package gateway implements job submission and job status lookup on top of a
// workflow engine and an object store.
//
// Submitter and StatusChecker are the shared core: they take typed requests
// and return typed values or *apperr.Error. Handler adapts them to the two
// invocation shapes, a direct payload and an API Gateway HTTP envelope, and
// HTTPStatus maps error kinds to status codes for every HTTP surface.
package gateway
