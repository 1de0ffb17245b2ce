package models

import dErrors "auditvault/pkg/domain-errors"

// Action is the closed set of auditable actions.
type Action string

const (
	ActionLogin            Action = "LOGIN"
	ActionLogout           Action = "LOGOUT"
	ActionLoginFailed      Action = "LOGIN_FAILED"
	ActionPasswordChange   Action = "PASSWORD_CHANGE"
	ActionCreate           Action = "CREATE"
	ActionRead             Action = "READ"
	ActionUpdate           Action = "UPDATE"
	ActionDelete           Action = "DELETE"
	ActionExport           Action = "EXPORT"
	ActionPrint            Action = "PRINT"
	ActionSearch           Action = "SEARCH"
	ActionLock             Action = "LOCK"
	ActionUnlock           Action = "UNLOCK"
	ActionApprove          Action = "APPROVE"
	ActionReject           Action = "REJECT"
	ActionAmend            Action = "AMEND"
	ActionAccessDenied     Action = "ACCESS_DENIED"
	ActionPermissionChange Action = "PERMISSION_CHANGE"
)

// validActions is the single source of truth for valid actions.
var validActions = map[Action]bool{
	ActionLogin: true, ActionLogout: true, ActionLoginFailed: true, ActionPasswordChange: true,
	ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true,
	ActionExport: true, ActionPrint: true, ActionSearch: true, ActionLock: true,
	ActionUnlock: true, ActionApprove: true, ActionReject: true, ActionAmend: true,
	ActionAccessDenied: true, ActionPermissionChange: true,
}

// ParseAction constructs an Action from external input.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown action: "+s)
	}
	return a, nil
}

func (a Action) IsValid() bool  { return validActions[a] }
func (a Action) String() string { return string(a) }

// IsFailedAccess reports whether the action counts as a failed access attempt.
func (a Action) IsFailedAccess() bool {
	return a == ActionLoginFailed || a == ActionAccessDenied
}

// ResourceType is the closed set of protected resource kinds.
type ResourceType string

const (
	ResourceUser         ResourceType = "USER"
	ResourcePatient      ResourceType = "PATIENT"
	ResourceEncounter    ResourceType = "ENCOUNTER"
	ResourceTestRecord   ResourceType = "TEST_RECORD"
	ResourceInjuryRecord ResourceType = "INJURY_RECORD"
	ResourceDocument     ResourceType = "DOCUMENT"
	ResourceReport       ResourceType = "REPORT"
	ResourceSystem       ResourceType = "SYSTEM"
	ResourceConfig       ResourceType = "CONFIG"
	ResourceAuditLog     ResourceType = "AUDIT_LOG"
)

var validResourceTypes = map[ResourceType]bool{
	ResourceUser: true, ResourcePatient: true, ResourceEncounter: true, ResourceTestRecord: true,
	ResourceInjuryRecord: true, ResourceDocument: true, ResourceReport: true, ResourceSystem: true,
	ResourceConfig: true, ResourceAuditLog: true,
}

// ParseResourceType constructs a ResourceType from external input.
func ParseResourceType(s string) (ResourceType, error) {
	r := ResourceType(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown resource type: "+s)
	}
	return r, nil
}

func (r ResourceType) IsValid() bool  { return validResourceTypes[r] }
func (r ResourceType) String() string { return string(r) }

// HoldsPHI reports whether events on this resource kind touch a patient chart.
func (r ResourceType) HoldsPHI() bool {
	switch r {
	case ResourcePatient, ResourceEncounter, ResourceTestRecord, ResourceInjuryRecord, ResourceDocument:
		return true
	}
	return false
}

// Severity of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

var validSeverities = map[Severity]bool{
	SeverityInfo: true, SeverityWarning: true, SeverityError: true, SeverityCritical: true,
}

// ParseSeverity constructs a Severity from external input.
func ParseSeverity(s string) (Severity, error) {
	v := Severity(s)
	if !v.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown severity: "+s)
	}
	return v, nil
}

func (s Severity) IsValid() bool { return validSeverities[s] }

// Category classifies audit events by their primary purpose.
type Category string

const (
	CategoryAuthentication   Category = "AUTHENTICATION"
	CategoryAuthorization    Category = "AUTHORIZATION"
	CategoryDataAccess       Category = "DATA_ACCESS"
	CategoryDataModification Category = "DATA_MODIFICATION"
	CategorySystem           Category = "SYSTEM"
	CategorySecurity         Category = "SECURITY"
	CategoryCompliance       Category = "COMPLIANCE"
)

var validCategories = map[Category]bool{
	CategoryAuthentication: true, CategoryAuthorization: true, CategoryDataAccess: true,
	CategoryDataModification: true, CategorySystem: true, CategorySecurity: true, CategoryCompliance: true,
}

// ParseCategory constructs a Category from external input.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown category: "+s)
	}
	return c, nil
}

func (c Category) IsValid() bool { return validCategories[c] }

// Tier is the storage tier an event currently lives in. It is storage
// metadata only and never part of the event's checksum.
type Tier string

const (
	TierHot     Tier = "hot"
	TierArchive Tier = "archive"
)
