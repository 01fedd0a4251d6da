package retry

import (
	"github.com/kimhsiao/shelfsync/internal/errors"
)

// UserError is a failure prepared for display.
type UserError struct {
	Title            string   `json:"title"`
	Message          string   `json:"message"`
	Category         Category `json:"category"`
	RecoveryActions  []string `json:"recoveryActions"`
	TechnicalDetails string   `json:"technicalDetails"`
	CanRetry         bool     `json:"canRetry"`
}

type userText struct {
	title   string
	message string
	actions []string
}

var categoryText = map[Category]userText{
	CategoryNetwork: {
		"Connection problem",
		"The sync service could not be reached.",
		[]string{"Check your internet connection", "Try again in a moment"},
	},
	CategoryTimeout: {
		"Sync timed out",
		"The sync service took too long to respond.",
		[]string{"Try again in a moment", "Check your connection speed"},
	},
	CategoryAuthentication: {
		"Sign-in required",
		"The sync service rejected the stored credentials.",
		[]string{"Update your sync credentials"},
	},
	CategoryPermission: {
		"Access denied",
		"These credentials are not allowed to use the sync location.",
		[]string{"Check the bucket permissions", "Update your sync credentials"},
	},
	CategoryRateLimit: {
		"Too many requests",
		"The sync service is limiting requests.",
		[]string{"Wait a few minutes before syncing again"},
	},
	CategoryNotFound: {
		"Sync data not found",
		"The remote collection does not exist.",
		[]string{"Check the collection id in your settings", "Push from a device that has the collection"},
	},
	CategoryServerError: {
		"Sync service unavailable",
		"The sync service is having problems.",
		[]string{"Try again later"},
	},
	CategoryUnknown: {
		"Sync failed",
		"Something went wrong while syncing.",
		[]string{"Try again", "Check the logs for details"},
	},
}

var codeText = map[errors.ErrorCode]userText{
	errors.ErrSyncNotConfigured: {
		"Sync not set up",
		"No remote collection is configured.",
		[]string{"Set a remote collection id in your settings"},
	},
	errors.ErrRemoteNotFound: {
		"Sync data not found",
		"The remote collection does not exist.",
		[]string{"Check the collection id in your settings", "Push from a device that has the collection"},
	},
	errors.ErrSyncInProgress: {
		"Sync already running",
		"Another sync is in progress.",
		[]string{"Wait for the current sync to finish"},
	},
	errors.ErrUnknownStrategy: {
		"Invalid conflict strategy",
		"The configured conflict strategy is not recognized.",
		[]string{"Choose keep-local, keep-remote, merge, or manual"},
	},
	errors.ErrQuotaExceeded: {
		"Device storage full",
		"There is no room left to save the collection on this device.",
		[]string{"Free up storage space", "Remove unused items"},
	},
	errors.ErrValidation: {
		"Invalid collection data",
		"Some items are missing required fields.",
		[]string{"Make sure every item has a title"},
	},
}

// FormatErrorForUser turns err into display text with recovery suggestions.
func FormatErrorForUser(err error) UserError {
	if err == nil {
		return UserError{}
	}

	cat := Classify(err)
	text, ok := codeText[errors.CodeOf(err)]
	if !ok {
		text = categoryText[cat]
	}

	return UserError{
		Title:            text.title,
		Message:          text.message,
		Category:         cat,
		RecoveryActions:  append([]string(nil), text.actions...),
		TechnicalDetails: err.Error(),
		CanRetry:         ShouldRetry(err),
	}
}
