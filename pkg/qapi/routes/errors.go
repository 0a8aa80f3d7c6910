package routes

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

// apiError maps a qerr code to an HTTP error. Validation failures list one
// detail per rejected option.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	code := qerr.CodeOf(err)
	msg := err.Error()
	switch {
	case qerr.IsValidation(err):
		return huma.Error422UnprocessableEntity("invalid option values", validationDetails(err)...)
	case code == qerr.CodeNotFound:
		return huma.Error404NotFound(msg)
	case code == qerr.CodeBusy:
		return huma.Error409Conflict(msg)
	case code == qerr.CodeExport, code == qerr.CodeSchema:
		return huma.Error422UnprocessableEntity(msg)
	case code == qerr.CodeUnauthorized:
		return huma.Error401Unauthorized(msg)
	case code == qerr.CodeSpawn, code == qerr.CodeProcess, code == qerr.CodeImport:
		return huma.Error502BadGateway(msg)
	default:
		return huma.Error500InternalServerError(msg)
	}
}

func validationDetails(err error) []error {
	var out []error
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		out = append(out, &huma.ErrorDetail{
			Message:  e.Error(),
			Location: "body.values." + optionKey(e),
		})
	}
	walk(err)
	return out
}

func optionKey(err error) string {
	var rangeErr *qconf.RangeError
	var enumErr *qconf.EnumError
	var typeErr *qconf.TypeError
	var unknownErr *qconf.UnknownOptionError
	switch {
	case errors.As(err, &rangeErr):
		return rangeErr.Key
	case errors.As(err, &enumErr):
		return enumErr.Key
	case errors.As(err, &typeErr):
		return typeErr.Key
	case errors.As(err, &unknownErr):
		return unknownErr.Key
	}
	return ""
}
