package event

import "strings"

// MediaKind selects the rendering branch for a project's medium.
// Values are stable wire names.
type MediaKind string

const (
	MediaSeries      MediaKind = "series"
	MediaMovie       MediaKind = "movie"
	MediaOVA         MediaKind = "ova"
	MediaOVANumbered MediaKind = "ova_numbered"
	MediaBooks       MediaKind = "books"
	MediaManga       MediaKind = "manga"
	MediaLightNovel  MediaKind = "light_novel"
	MediaGames       MediaKind = "games"
	MediaVisualNovel MediaKind = "visual_novel"
	MediaOther       MediaKind = "other"
)

// ParseMediaKind normalizes a raw media kind. Unknown values map to
// MediaOther so upstream metadata changes can never break the pipeline.
func ParseMediaKind(raw string) MediaKind {
	switch MediaKind(strings.ToLower(strings.TrimSpace(raw))) {
	case MediaSeries:
		return MediaSeries
	case MediaMovie:
		return MediaMovie
	case MediaOVA:
		return MediaOVA
	case MediaOVANumbered:
		return MediaOVANumbered
	case MediaBooks:
		return MediaBooks
	case MediaManga:
		return MediaManga
	case MediaLightNovel:
		return MediaLightNovel
	case MediaGames:
		return MediaGames
	case MediaVisualNovel:
		return MediaVisualNovel
	default:
		return MediaOther
	}
}

// Episodic reports whether the medium numbers its installments
// (and therefore carries an episode marker in rendered titles).
func (m MediaKind) Episodic() bool {
	switch m {
	case MediaSeries, MediaOVANumbered, MediaBooks, MediaManga, MediaLightNovel:
		return true
	default:
		return false
	}
}

// ReleaseKind distinguishes one-shot releases from episodic ones.
type ReleaseKind string

const (
	ReleaseSingle   ReleaseKind = "single"
	ReleaseEpisodic ReleaseKind = "episodic"
)

// RoleStatus is one progress line: a staff role and its new state.
type RoleStatus struct {
	Role   string `json:"role"`
	Status Status `json:"status"`
}

// Status of a single role within an episode's progress.
type Status string

const (
	StatusDone     Status = "done"
	StatusOngoing  Status = "ongoing"
	StatusReverted Status = "reverted"
)

// EpisodeRange covers Start..End inclusive. Start == End marks a single episode.
type EpisodeRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Single reports whether the range covers exactly one episode.
func (r EpisodeRange) Single() bool { return r.Start == r.End }

// Payload is the closed set of kind-specific event bodies.
//
// validate is unexported so the set stays closed: new payload kinds are added
// here, together with their validation rules, or not at all.
type Payload interface {
	EventKind() Kind
	ProjectTitle() string
	validate() error
}

// ProjectCreated announces a newly registered project.
type ProjectCreated struct {
	Title string    `json:"title"`
	Media MediaKind `json:"media_kind"`
}

func (ProjectCreated) EventKind() Kind { return KindProjectCreated }

func (p ProjectCreated) ProjectTitle() string { return p.Title }

func (p ProjectCreated) validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Kind: KindProjectCreated, Field: "title", Reason: "must not be empty"}
	}
	return nil
}

// ProjectProgress reports role status changes for one installment.
// Episode is nil for media kinds that have no episode numbering.
type ProjectProgress struct {
	Title   string       `json:"title"`
	Media   MediaKind    `json:"media_kind"`
	Episode *int         `json:"episode,omitempty"`
	Roles   []RoleStatus `json:"role_statuses"`
}

func (ProjectProgress) EventKind() Kind { return KindProjectProgress }

func (p ProjectProgress) ProjectTitle() string { return p.Title }

func (p ProjectProgress) validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Kind: KindProjectProgress, Field: "title", Reason: "must not be empty"}
	}
	if len(p.Roles) == 0 {
		return &ValidationError{Kind: KindProjectProgress, Field: "role_statuses", Reason: "must not be empty"}
	}
	for _, rs := range p.Roles {
		if strings.TrimSpace(rs.Role) == "" {
			return &ValidationError{Kind: KindProjectProgress, Field: "role_statuses", Reason: "role must not be empty"}
		}
		switch rs.Status {
		case StatusDone, StatusOngoing, StatusReverted:
		default:
			return &ValidationError{Kind: KindProjectProgress, Field: "role_statuses", Reason: "unknown status " + string(rs.Status)}
		}
	}
	if p.Episode != nil && *p.Episode < 0 {
		return &ValidationError{Kind: KindProjectProgress, Field: "episode", Reason: "must not be negative"}
	}
	return nil
}

// ProjectRelease announces published installments.
//
// Episodic releases require an episode range (Start == End for one episode);
// single releases may omit it.
type ProjectRelease struct {
	Title    string        `json:"title"`
	Release  ReleaseKind   `json:"release_kind"`
	Episodes *EpisodeRange `json:"episodes,omitempty"`
}

func (ProjectRelease) EventKind() Kind { return KindProjectRelease }

func (p ProjectRelease) ProjectTitle() string { return p.Title }

func (p ProjectRelease) validate() error {
	return validateRelease(KindProjectRelease, p.Title, p.Release, p.Episodes)
}

// ProjectReleaseRevert mirrors ProjectRelease: the installments were pulled
// back and returned to work.
type ProjectReleaseRevert struct {
	Title    string        `json:"title"`
	Release  ReleaseKind   `json:"release_kind"`
	Episodes *EpisodeRange `json:"episodes,omitempty"`
}

func (ProjectReleaseRevert) EventKind() Kind { return KindProjectReleaseRevert }

func (p ProjectReleaseRevert) ProjectTitle() string { return p.Title }

func (p ProjectReleaseRevert) validate() error {
	return validateRelease(KindProjectReleaseRevert, p.Title, p.Release, p.Episodes)
}

func validateRelease(kind Kind, title string, release ReleaseKind, episodes *EpisodeRange) error {
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Kind: kind, Field: "title", Reason: "must not be empty"}
	}
	switch release {
	case ReleaseSingle:
		if episodes != nil && !episodes.Single() {
			return &ValidationError{Kind: kind, Field: "episodes", Reason: "single release cannot carry a range"}
		}
	case ReleaseEpisodic:
		if episodes == nil {
			return &ValidationError{Kind: kind, Field: "episodes", Reason: "episodic release requires episodes"}
		}
	default:
		return &ValidationError{Kind: kind, Field: "release_kind", Reason: "unknown release kind " + string(release)}
	}
	if episodes != nil {
		if episodes.Start < 0 {
			return &ValidationError{Kind: kind, Field: "episodes", Reason: "start must not be negative"}
		}
		if episodes.End < episodes.Start {
			return &ValidationError{Kind: kind, Field: "episodes", Reason: "end must not precede start"}
		}
	}
	return nil
}

// ProjectDropped announces that work on a project stopped.
type ProjectDropped struct {
	Title string `json:"title"`
}

func (ProjectDropped) EventKind() Kind { return KindProjectDropped }

func (p ProjectDropped) ProjectTitle() string { return p.Title }

func (p ProjectDropped) validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Kind: KindProjectDropped, Field: "title", Reason: "must not be empty"}
	}
	return nil
}

// ProjectResumed announces that a dropped project was picked back up.
type ProjectResumed struct {
	Title string `json:"title"`
}

func (ProjectResumed) EventKind() Kind { return KindProjectResumed }

func (p ProjectResumed) ProjectTitle() string { return p.Title }

func (p ProjectResumed) validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Kind: KindProjectResumed, Field: "title", Reason: "must not be empty"}
	}
	return nil
}
