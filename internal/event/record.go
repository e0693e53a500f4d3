package event

import (
	"time"
)

// Type is the kind of learner interaction an event records.
type Type string

const (
	TypePageView             Type = "page_view"
	TypeModuleStart          Type = "module_start"
	TypeModuleProgress       Type = "module_progress"
	TypeModuleComplete       Type = "module_complete"
	TypeAssessmentStart      Type = "assessment_start"
	TypeAssessmentAnswer     Type = "assessment_answer"
	TypeAssessmentComplete   Type = "assessment_complete"
	TypeBusinessToolUse      Type = "business_tool_use"
	TypeNavigation           Type = "navigation"
	TypeSearch               Type = "search"
	TypeLogin                Type = "login"
	TypeLogout               Type = "logout"
	TypeError                Type = "error"
	TypeInterventionReceived Type = "intervention_received"
	TypeConsentAction        Type = "consent_action"
	TypeEconomicSurvey       Type = "economic_survey"
	TypeVoiceCommand         Type = "voice_command"
	TypeAccessibilityToggle  Type = "accessibility_toggle"
)

// Types lists every accepted event type in declaration order.
var Types = []Type{
	TypePageView, TypeModuleStart, TypeModuleProgress, TypeModuleComplete,
	TypeAssessmentStart, TypeAssessmentAnswer, TypeAssessmentComplete,
	TypeBusinessToolUse, TypeNavigation, TypeSearch, TypeLogin, TypeLogout,
	TypeError, TypeInterventionReceived, TypeConsentAction, TypeEconomicSurvey,
	TypeVoiceCommand, TypeAccessibilityToggle,
}

// Valid reports whether t is one of the accepted event types.
func (t Type) Valid() bool {
	_, ok := categoryByType[t]
	return ok
}

// Category groups event types for research analysis.
type Category string

const (
	CategoryLearning      Category = "learning"
	CategoryAssessment    Category = "assessment"
	CategoryBusinessTool  Category = "business_tool"
	CategoryNavigation    Category = "navigation"
	CategorySystem        Category = "system"
	CategoryResearch      Category = "research"
	CategoryAccessibility Category = "accessibility"
)

// Categories lists the seven categories an event can fall into.
var Categories = []Category{
	CategoryLearning, CategoryAssessment, CategoryBusinessTool, CategoryNavigation,
	CategorySystem, CategoryResearch, CategoryAccessibility,
}

// Source tells how an event reached the server.
type Source string

const (
	SourceOnline      Source = "online"
	SourceOfflineSync Source = "offline_sync"
)

const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
	DeviceUnknown = "unknown"
)

const (
	NetworkWifi    = "wifi"
	Network4G      = "4g"
	Network3G      = "3g"
	Network2G      = "2g"
	NetworkOffline = "offline"
	NetworkUnknown = "unknown"
)

const (
	DefaultLanguage          = "en"
	DefaultAccessibilityMode = "standard"
)

// Record is the canonical representation of one user interaction.
type Record struct {
	// ID is the local queue insertion key. Zero until enqueued.
	ID             int64          `json:"id,omitempty"`
	EventID        string         `json:"eventId"`
	UserID         string         `json:"userId"`
	SessionID      string         `json:"sessionId"`
	Timestamp      time.Time      `json:"timestamp"`
	EventType      Type           `json:"eventType"`
	EventCategory  Category       `json:"eventCategory"`
	EventData      map[string]any `json:"eventData,omitempty"`
	Context        Context        `json:"context"`
	ExperimentData map[string]any `json:"experimentData,omitempty"`
	SyncStatus     SyncStatus     `json:"syncStatus"`
}

type Context struct {
	DeviceType        string `json:"deviceType"`
	NetworkType       string `json:"networkType"`
	OfflineMode       bool   `json:"offlineMode"`
	Language          string `json:"language"`
	AccessibilityMode string `json:"accessibilityMode"`
	UserAgent         string `json:"userAgent,omitempty"`
	ScreenWidth       int    `json:"screenWidth,omitempty"`
	ScreenHeight      int    `json:"screenHeight,omitempty"`
}

type SyncStatus struct {
	QueuedAt   *time.Time `json:"queuedAt,omitempty"`
	SyncedAt   *time.Time `json:"syncedAt,omitempty"`
	RetryCount int        `json:"retryCount"`
	Source     Source     `json:"source"`
}

// Synced reports whether the server has acknowledged the record.
func (r Record) Synced() bool {
	return r.SyncStatus.SyncedAt != nil
}
