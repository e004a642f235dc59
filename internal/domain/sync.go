package domain

import "time"

// Direction identifies which end of the story list a fetch fills.
type Direction int

const (
	DirectionRefresh Direction = iota
	DirectionAppend
)

func (d Direction) String() string {
	switch d {
	case DirectionRefresh:
		return "refresh"
	case DirectionAppend:
		return "append"
	default:
		return "unknown"
	}
}

type LoadStatus int

const (
	NotLoading LoadStatus = iota
	Loading
	LoadError
)

func (s LoadStatus) String() string {
	switch s {
	case NotLoading:
		return "not_loading"
	case Loading:
		return "loading"
	case LoadError:
		return "error"
	default:
		return "unknown"
	}
}

// LoadState is the load status of one direction. Err is set only when
// Status is LoadError.
type LoadState struct {
	Status LoadStatus
	Err    error
}

// LoadStates is the snapshot observed by list consumers.
type LoadStates struct {
	Refresh    LoadState
	Append     LoadState
	EndReached bool
	Generation uint64
}

// PageStats holds statistics about a single page fetch.
type PageStats struct {
	Direction  Direction
	Page       int
	Fetched    int
	Generation uint64
	Discarded  bool
	EndReached bool
	Duration   time.Duration
}

// SyncState records the last committed page fetch per source.
type SyncState struct {
	SourceID     string
	LastSyncedAt time.Time
	LastPage     int
	TotalSynced  int64
}

// PageEvent announces a committed page write to other cache readers.
type PageEvent struct {
	Direction  Direction
	Page       int
	Generation uint64
	StoryIDs   []string
}
