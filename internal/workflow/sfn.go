package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/aws/smithy-go"
)

// DefaultAWSRegion is used when neither configuration nor environment name a region.
const DefaultAWSRegion = "us-east-1"

// sfnAPI is the subset of the Step Functions client used by SFN.
type sfnAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	DescribeExecution(ctx context.Context, params *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
}

// Ensure SFN implements Engine.
var _ Engine = (*SFN)(nil)

// SFN implements Engine on AWS Step Functions.
type SFN struct {
	client          sfnAPI
	stateMachineARN string
}

// NewSFN creates a Step Functions engine bound to one state machine, using
// the AWS SDK default credential chain.
func NewSFN(ctx context.Context, stateMachineARN, region string) (*SFN, error) {
	if stateMachineARN == "" {
		return nil, errors.New("state machine ARN is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = DefaultAWSRegion
	}

	return newSFNWithClient(sfn.NewFromConfig(awsCfg), stateMachineARN), nil
}

func newSFNWithClient(client sfnAPI, stateMachineARN string) *SFN {
	return &SFN{client: client, stateMachineARN: stateMachineARN}
}

// StartExecution starts a named execution of the configured state machine.
func (s *SFN) StartExecution(ctx context.Context, name string, input []byte) (string, error) {
	out, err := s.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(s.stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(input)),
	})
	if err != nil {
		return "", wrapError("StartExecution", name, err)
	}
	return aws.ToString(out.ExecutionArn), nil
}

// DescribeExecution returns the state of the execution identified by executionID.
func (s *SFN) DescribeExecution(ctx context.Context, executionID string) (*Execution, error) {
	out, err := s.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: aws.String(executionID),
	})
	if err != nil {
		return nil, wrapError("DescribeExecution", executionID, err)
	}

	return &Execution{
		ID:        aws.ToString(out.ExecutionArn),
		Name:      aws.ToString(out.Name),
		Status:    string(out.Status),
		StartDate: aws.ToTime(out.StartDate),
		StopDate:  out.StopDate,
		Output:    out.Output,
	}, nil
}

// wrapError converts Step Functions errors to engine errors with the matching sentinel.
func wrapError(op, target string, err error) error {
	wrapped := &EngineError{Op: op, Target: target, Err: err}

	var exists *types.ExecutionAlreadyExists
	var missing *types.ExecutionDoesNotExist
	switch {
	case errors.As(err, &exists):
		wrapped.Err = fmt.Errorf("%w: %s", ErrExecutionExists, exists.ErrorMessage())
		return wrapped
	case errors.As(err, &missing):
		wrapped.Err = fmt.Errorf("%w: %s", ErrExecutionNotFound, missing.ErrorMessage())
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ExecutionAlreadyExists":
			wrapped.Err = fmt.Errorf("%w: %s", ErrExecutionExists, apiErr.ErrorMessage())
		case "ExecutionDoesNotExist":
			wrapped.Err = fmt.Errorf("%w: %s", ErrExecutionNotFound, apiErr.ErrorMessage())
		}
	}
	return wrapped
}
