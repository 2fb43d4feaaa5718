package gcp

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/statefleet/statefleet/internal/fleet"
)

// classify maps provider errors onto the reconciler's sentinel errors. The
// reconciler keys retry and isolation behavior off the sentinels, never off
// raw googleapi codes.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 404:
			return fmt.Errorf("%w: %v", fleet.ErrNotFound, err)
		// Quota and permission denials both back off indefinitely; there
		// is no point distinguishing them at the call site.
		case gerr.Code == 403 || gerr.Code == 429:
			return fmt.Errorf("%w: %v", fleet.ErrQuota, err)
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "QUOTA_EXCEEDED") || strings.Contains(msg, "Quota exceeded"):
		return fmt.Errorf("%w: %v", fleet.ErrQuota, err)
	case strings.Contains(msg, "RESOURCE_IN_USE_BY_ANOTHER_RESOURCE") ||
		strings.Contains(msg, "already being used by"):
		return fmt.Errorf("%w: %v", fleet.ErrDiskConflict, err)
	case strings.Contains(msg, "notFound") || strings.Contains(msg, "was not found"):
		return fmt.Errorf("%w: %v", fleet.ErrNotFound, err)
	}
	return err
}

// isNotFound reports a provider 404 without wrapping it first.
func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

// IsAuthError returns true if the error indicates expired or invalid GCP
// credentials.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == 401 || gerr.Code == 403) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "oauth2: cannot fetch token") ||
		strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "token expired")
}
