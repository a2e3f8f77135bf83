package gateway

import (
	"errors"
	"net/http"

	"github.com/google/go-github/v55/github"

	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
)

// classify maps a go-github error onto the application error codes.
// forbiddenIsAuth decides whether a 403 means the credential itself was
// rejected (listing) or only this resource is off limits (deleting).
func classify(action string, err error, forbiddenIsAuth bool) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return apperrors.NewUpstreamError(action+": rate limited", apperrors.ReasonRateLimited, err)
	}

	status := 0
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status = respErr.Response.StatusCode
	}

	switch status {
	case http.StatusUnauthorized:
		return apperrors.NewAuthError(action+": credential rejected", err)
	case http.StatusForbidden:
		if forbiddenIsAuth {
			return apperrors.NewAuthError(action+": credential rejected", err)
		}
		return apperrors.NewUpstreamError(action+": forbidden", apperrors.ReasonForbidden, err)
	case http.StatusNotFound:
		return apperrors.NewUpstreamError(action+": not found", apperrors.ReasonNotFound, err)
	case http.StatusTooManyRequests:
		return apperrors.NewUpstreamError(action+": rate limited", apperrors.ReasonRateLimited, err)
	default:
		return apperrors.NewUpstreamError(action+": request failed", apperrors.ReasonUnavailable, err)
	}
}
