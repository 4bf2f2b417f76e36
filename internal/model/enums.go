package model

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformBrowser Platform = "browser"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformBrowser:
		return true
	}
	return false
}

type UserTier string

const (
	TierStandard UserTier = "standard"
	TierElevated UserTier = "elevated"
)

// EntryFlags is a bit field on a journal entry.
type EntryFlags int

const (
	// EntryFlagExcludedFromAggregates hides the entry from aggregate views.
	EntryFlagExcludedFromAggregates EntryFlags = 1 << iota
)

func (f EntryFlags) Has(flag EntryFlags) bool {
	return f&flag != 0
}

type JobLane string

const (
	LaneStandard JobLane = "standard"
	LanePriority JobLane = "priority"
)
