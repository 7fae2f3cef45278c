package rpc

import (
	"fedfeeds/pkg/api"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var grpcCodes = map[api.ErrorCode]codes.Code{
	api.BadRequest:    codes.InvalidArgument,
	api.NotFound:      codes.NotFound,
	api.Forbidden:     codes.PermissionDenied,
	api.Conflict:      codes.FailedPrecondition,
	api.Timeout:       codes.DeadlineExceeded,
	api.InternalError: codes.Internal,
}

// toStatus converts a service error into a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	apiErr := api.AsError(err)
	code, ok := grpcCodes[apiErr.Code]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, apiErr.Message)
}

// fromStatus converts a gRPC error back into a service error. Statuses that
// signal transport trouble are returned unchanged so the retry policy sees
// them.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Unknown:
		return err
	case codes.Canceled:
		return api.Errorf(api.Timeout, "call cancelled: %s", st.Message())
	}

	for code, c := range grpcCodes {
		if c == st.Code() {
			return &api.Error{Code: code, Message: st.Message()}
		}
	}
	return &api.Error{Code: api.InternalError, Message: st.Message()}
}
