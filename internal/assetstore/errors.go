package assetstore

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"

	"github.com/breeze-rmm/syncbridge/internal/failure"
)

var errNoSession = errors.New("no authenticated session")

// awsAuthCodes are S3 error codes that mean the credentials were rejected.
var awsAuthCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
}

// classify maps SDK errors onto the failure taxonomy. Already classified
// errors pass through; unknown errors are network failures.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := failure.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failure.Network(op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && awsAuthCodes[apiErr.ErrorCode()] {
		return failure.Auth(op, http.StatusForbidden, err)
	}
	if code := statusOf(err); code != 0 {
		if fe := failure.FromStatus(op, code, op); fe != nil {
			fe.Err = err
			return fe
		}
	}
	return failure.Network(op, err)
}

func statusOf(err error) int {
	var awsResp *awshttp.ResponseError
	if errors.As(err, &awsResp) {
		return awsResp.HTTPStatusCode()
	}
	var azResp *azcore.ResponseError
	if errors.As(err, &azResp) {
		return azResp.StatusCode
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	return 0
}
