package pipeline

import "time"

// Standard layer names. Callers may register custom layers alongside or
// instead of these.
const (
	LayerFastFeedback       = "fast-feedback"
	LayerCoreIntegration    = "core-integration"
	LayerServiceIntegration = "service-integration"
	LayerBackground         = "background"
)

// StandardLayers builds the default layer set from a map of layer name to
// categories. Layers with no categories are omitted, since an empty layer
// would fail validation. The returned definitions are in standard execution
// order: fast-feedback, core-integration, service-integration, background.
func StandardLayers(categories map[string][]Category) []LayerDefinition {
	templates := []LayerDefinition{
		{
			Name:     LayerFastFeedback,
			Strategy: StrategyParallelUnlimited,
			Timeout:  5 * time.Minute,
		},
		{
			Name:        LayerCoreIntegration,
			Strategy:    StrategyParallelLimited,
			MaxParallel: 4,
			Timeout:     15 * time.Minute,
		},
		{
			Name:     LayerServiceIntegration,
			Strategy: StrategyHybridSmart,
			Timeout:  30 * time.Minute,
		},
		{
			Name:               LayerBackground,
			Strategy:           StrategyParallelLimited,
			MaxParallel:        2,
			Timeout:            60 * time.Minute,
			BackgroundEligible: true,
			MaxRetries:         2,
		},
	}

	var defs []LayerDefinition
	for _, template := range templates {
		if cats := categories[template.Name]; len(cats) > 0 {
			template.Categories = cats
			defs = append(defs, template)
		}
	}
	return defs
}
