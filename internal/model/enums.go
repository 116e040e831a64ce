package model

// Source identifies which scraper produced a payload.
type Source string

const (
	SourceShopify  Source = "shopify"
	SourceWoo      Source = "woo"
	SourceFallback Source = "fallback"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceShopify, SourceWoo, SourceFallback:
		return true
	}
	return false
}

// Platform is the operator-supplied hint for a roaster's storefront.
type Platform string

const (
	PlatformShopify Platform = "shopify"
	PlatformWoo     Platform = "woo"
	PlatformOther   Platform = "other"
)

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformShopify, PlatformWoo, PlatformOther:
		return true
	}
	return false
}

// JobType selects between the two pipeline modes.
type JobType string

const (
	JobFullRefresh JobType = "full_refresh"
	JobPriceOnly   JobType = "price_only"
)

// JobState tracks a job through the scheduler state machine.
type JobState string

const (
	JobQueued            JobState = "queued"
	JobRunning           JobState = "running"
	JobSucceeded         JobState = "succeeded"
	JobRetrying          JobState = "retrying"
	JobPermanentlyFailed JobState = "permanently_failed"
)

// ValidationStatus records the outcome of canonical-schema validation.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// ProcessingStatus marks how far a product got through normalization
// and whether a human should look at it.
type ProcessingStatus string

const (
	StatusOk     ProcessingStatus = "ok"
	StatusReview ProcessingStatus = "review"
	StatusError  ProcessingStatus = "error"
)

// RoastLevel is the controlled roast vocabulary.
type RoastLevel string

const (
	RoastLight       RoastLevel = "light"
	RoastLightMedium RoastLevel = "light-medium"
	RoastMedium      RoastLevel = "medium"
	RoastMediumDark  RoastLevel = "medium-dark"
	RoastDark        RoastLevel = "dark"
	RoastUnknown     RoastLevel = "unknown"
)

// Process is the controlled processing-method vocabulary.
type Process string

const (
	ProcessWashed    Process = "washed"
	ProcessNatural   Process = "natural"
	ProcessHoney     Process = "honey"
	ProcessAnaerobic Process = "anaerobic"
	ProcessOther     Process = "other"
)

// Grind is the controlled grind/brew vocabulary.
type Grind string

const (
	GrindWhole       Grind = "whole"
	GrindFilter      Grind = "filter"
	GrindEspresso    Grind = "espresso"
	GrindFrenchPress Grind = "french press"
	GrindAeropress   Grind = "aeropress"
	GrindMoka        Grind = "moka"
	GrindTurkish     Grind = "turkish"
	GrindSouthIndian Grind = "south-indian filter"
	GrindColdBrew    Grind = "cold brew"
	GrindPourOver    Grind = "pour over"
	GrindOmni        Grind = "omni"
	GrindOther       Grind = "other"
)

// Species is the controlled bean-species vocabulary. Explicit percentage
// blends are encoded as e.g. "arabica_80_robusta_20".
type Species string

const (
	SpeciesArabica  Species = "arabica"
	SpeciesRobusta  Species = "robusta"
	SpeciesLiberica Species = "liberica"
	SpeciesBlend    Species = "blend"
	SpeciesUnknown  Species = "unknown"
)

// WeightUnit enumerates the accepted variant weight units.
type WeightUnit string

const (
	UnitGram     WeightUnit = "g"
	UnitKilogram WeightUnit = "kg"
	UnitOunce    WeightUnit = "oz"
)

// Valid reports whether u is one of the accepted weight units.
func (u WeightUnit) Valid() bool {
	switch u {
	case UnitGram, UnitKilogram, UnitOunce, "":
		return true
	}
	return false
}
