package event

var categoryByType = map[Type]Category{
	TypePageView:             CategoryNavigation,
	TypeModuleStart:          CategoryLearning,
	TypeModuleProgress:       CategoryLearning,
	TypeModuleComplete:       CategoryLearning,
	TypeAssessmentStart:      CategoryAssessment,
	TypeAssessmentAnswer:     CategoryAssessment,
	TypeAssessmentComplete:   CategoryAssessment,
	TypeBusinessToolUse:      CategoryBusinessTool,
	TypeNavigation:           CategoryNavigation,
	TypeSearch:               CategoryNavigation,
	TypeLogin:                CategorySystem,
	TypeLogout:               CategorySystem,
	TypeError:                CategorySystem,
	TypeInterventionReceived: CategoryResearch,
	TypeConsentAction:        CategoryResearch,
	TypeEconomicSurvey:       CategoryResearch,
	TypeVoiceCommand:         CategoryAccessibility,
	TypeAccessibilityToggle:  CategoryAccessibility,
}

// InferCategory maps an event type to its category. Unknown types are system events.
func InferCategory(t Type) Category {
	if c, ok := categoryByType[t]; ok {
		return c
	}
	return CategorySystem
}
