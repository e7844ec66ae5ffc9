package ir

// Version constants for the recipe IR and engine.
const (
	// IRVersion is the recipe IR schema version.
	IRVersion = "1"

	// EngineVersion is the cellar engine version.
	EngineVersion = "0.1.0"
)
