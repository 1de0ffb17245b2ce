package ingest

import (
	"strings"
	"time"
	"unicode/utf8"

	"auditvault/internal/audit/models"
	dErrors "auditvault/pkg/domain-errors"
)

const (
	MaxDetailKeys   = 32
	MaxDetailLength = 1024

	// FailureThreshold failures inside FailureWindowSize flag the event.
	FailureThreshold  = 3
	FailureWindowSize = 2 * time.Minute
	// At twice the threshold the streak is treated as an attack in progress.
	CriticalThreshold = 2 * FailureThreshold
)

// Rule is the fixed classification for an action.
type Rule struct {
	Severity models.Severity
	Category models.Category
}

var rules = map[models.Action]Rule{
	models.ActionLogin:            {models.SeverityInfo, models.CategoryAuthentication},
	models.ActionLogout:           {models.SeverityInfo, models.CategoryAuthentication},
	models.ActionLoginFailed:      {models.SeverityWarning, models.CategoryAuthentication},
	models.ActionPasswordChange:   {models.SeverityInfo, models.CategorySecurity},
	models.ActionCreate:           {models.SeverityInfo, models.CategoryDataModification},
	models.ActionRead:             {models.SeverityInfo, models.CategoryDataAccess},
	models.ActionUpdate:           {models.SeverityInfo, models.CategoryDataModification},
	models.ActionDelete:           {models.SeverityWarning, models.CategoryDataModification},
	models.ActionExport:           {models.SeverityWarning, models.CategoryDataAccess},
	models.ActionPrint:            {models.SeverityInfo, models.CategoryDataAccess},
	models.ActionSearch:           {models.SeverityInfo, models.CategoryDataAccess},
	models.ActionLock:             {models.SeverityInfo, models.CategoryCompliance},
	models.ActionUnlock:           {models.SeverityWarning, models.CategoryCompliance},
	models.ActionApprove:          {models.SeverityInfo, models.CategoryCompliance},
	models.ActionReject:           {models.SeverityInfo, models.CategoryCompliance},
	models.ActionAmend:            {models.SeverityWarning, models.CategoryCompliance},
	models.ActionAccessDenied:     {models.SeverityWarning, models.CategoryAuthorization},
	models.ActionPermissionChange: {models.SeverityWarning, models.CategorySecurity},
}

// RuleFor returns the classification for a valid action.
func RuleFor(a models.Action) (Rule, bool) {
	r, ok := rules[a]
	return r, ok
}

// commonKeys may appear on any action.
var commonKeys = []string{"reason", "outcome", "request_id", "note"}

var actionKeys = map[models.Action][]string{
	models.ActionLogin:            {"method", "mfa"},
	models.ActionLogout:           {"method"},
	models.ActionLoginFailed:      {"method", "failure_reason", "username"},
	models.ActionPasswordChange:   {"method", "forced"},
	models.ActionCreate:           {"fields", "source"},
	models.ActionRead:             {"view", "fields", "purpose"},
	models.ActionUpdate:           {"fields", "previous_version", "new_version"},
	models.ActionDelete:           {"fields", "previous_version"},
	models.ActionExport:           {"format", "record_count", "destination", "criteria"},
	models.ActionPrint:            {"format", "page_count"},
	models.ActionSearch:           {"query", "filters", "result_count"},
	models.ActionLock:             {"lock_reason", "duration"},
	models.ActionUnlock:           {"lock_reason"},
	models.ActionApprove:          {"decision", "comment"},
	models.ActionReject:           {"decision", "comment"},
	models.ActionAmend:            {"fields", "previous_version", "new_version", "comment"},
	models.ActionAccessDenied:     {"required_permission", "route", "method"},
	models.ActionPermissionChange: {"target_user", "previous_role", "new_role", "permission"},
}

var allowedKeys = func() map[models.Action]map[string]bool {
	out := make(map[models.Action]map[string]bool, len(actionKeys))
	for action, keys := range actionKeys {
		set := make(map[string]bool, len(keys)+len(commonKeys))
		for _, k := range commonKeys {
			set[k] = true
		}
		for _, k := range keys {
			set[k] = true
		}
		out[action] = set
	}
	return out
}()

// AllowedDetailKey reports whether key may be recorded for action.
func AllowedDetailKey(a models.Action, key string) bool {
	return allowedKeys[a][key]
}

// validateDetails enforces the closed key set and size bounds. Values must
// be valid UTF-8 without NUL so they survive storage and canonicalization
// unchanged.
func validateDetails(a models.Action, details map[string]string) error {
	if len(details) > MaxDetailKeys {
		return dErrors.New(dErrors.CodeValidation, "too many detail keys")
	}
	for k, v := range details {
		if !AllowedDetailKey(a, k) {
			return dErrors.New(dErrors.CodeValidation, "detail key not allowed for "+string(a)+": "+k)
		}
		if utf8.RuneCountInString(v) > MaxDetailLength {
			return dErrors.New(dErrors.CodeValidation, "detail value too long: "+k)
		}
		if !validText(v) {
			return dErrors.New(dErrors.CodeValidation, "detail value is not valid text: "+k)
		}
	}
	return nil
}

// validText rejects strings storage cannot hold verbatim.
func validText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}
