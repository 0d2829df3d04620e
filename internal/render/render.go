// Package render turns lifecycle events into localized, displayable messages.
//
// Render is a pure function of (event, locale): no I/O, no shared state, and
// it never fails. Unrecognized enum values degrade to the generic branch with
// a warning instead of erroring, so a bad upstream value can never stall the
// delivery pipeline.
package render

import (
	"strconv"
	"strings"

	"tayang/internal/event"
	"tayang/internal/i18n"
	logx "tayang/pkg/logx"
)

// Embed accent colors, one per event family.
const (
	ColorCreated  = 0x33FFAD
	ColorProgress = 0xFFE94A
	ColorRelease  = 0x33FF5C
	ColorRevert   = 0xFF3333
	ColorDropped  = 0xFF3333
	ColorResumed  = 0x33FFAD
)

// Message is the transient carrier handed to the delivery layer.
// It is produced fresh per render call and never persisted.
type Message struct {
	Title       string
	Description string
	Locale      string
	Color       int
}

type Renderer struct {
	res i18n.Resolver
	log logx.Logger
}

func New(res i18n.Resolver, log logx.Logger) *Renderer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Renderer{res: res, log: log}
}

// Render produces the localized message for e in the requested locale.
// The returned Locale is the canonical locale that actually served the
// request (after fallback).
func (r *Renderer) Render(e event.Event, locale string) Message {
	loc := r.res.Canonical(locale)

	switch p := e.Payload.(type) {
	case event.ProjectCreated:
		return Message{
			Title:       r.res.Resolve(loc, "project-create", nil),
			Description: r.res.Resolve(loc, "project-create-desc", map[string]string{"kind": r.mediaLabel(loc, p.Media), "name": p.Title}),
			Locale:      loc,
			Color:       ColorCreated,
		}
	case event.ProjectProgress:
		return Message{
			Title:       r.progressTitle(loc, p),
			Description: r.progressBody(loc, p),
			Locale:      loc,
			Color:       ColorProgress,
		}
	case event.ProjectRelease:
		return Message{
			Title:       r.res.Resolve(loc, "project-release-desc-header", nil),
			Description: r.releaseBody(loc, "project-release-desc", p.Title, p.Release, p.Episodes),
			Locale:      loc,
			Color:       ColorRelease,
		}
	case event.ProjectReleaseRevert:
		return Message{
			Title:       r.res.Resolve(loc, "project-release-revert-desc-header", nil),
			Description: r.releaseBody(loc, "project-release-revert-desc", p.Title, p.Release, p.Episodes),
			Locale:      loc,
			Color:       ColorRevert,
		}
	case event.ProjectDropped:
		return Message{
			Title:       r.res.Resolve(loc, "project-dropped", nil),
			Description: r.res.Resolve(loc, "project-dropped-desc", map[string]string{"name": p.Title}),
			Locale:      loc,
			Color:       ColorDropped,
		}
	case event.ProjectResumed:
		return Message{
			Title:       r.res.Resolve(loc, "project-resumed", nil),
			Description: r.res.Resolve(loc, "project-resumed-desc", map[string]string{"name": p.Title}),
			Locale:      loc,
			Color:       ColorResumed,
		}
	default:
		// Generic branch: an event kind this renderer predates.
		r.log.Warn("rendering unknown event kind via generic branch",
			logx.String("kind", string(e.Kind)), logx.String("event_id", e.ID.String()))
		title := ""
		if e.Payload != nil {
			title = e.Payload.ProjectTitle()
		}
		return Message{
			Title:       r.res.Resolve(loc, "project-update", nil),
			Description: r.res.Resolve(loc, "project-update-desc", map[string]string{"name": title}),
			Locale:      loc,
			Color:       ColorProgress,
		}
	}
}

// mediaLabel resolves the localized label for a media kind; anything the
// catalog does not know degrades to the generic "other" label.
func (r *Renderer) mediaLabel(loc string, m event.MediaKind) string {
	key := "kind-" + string(m)
	label := r.res.Resolve(loc, key, nil)
	if label == key {
		r.log.Warn("unknown media kind, using generic label", logx.String("media_kind", string(m)))
		label = r.res.Resolve(loc, "kind-other", nil)
	}
	return label
}

func (r *Renderer) progressTitle(loc string, p event.ProjectProgress) string {
	if p.Media.Episodic() && p.Episode != nil {
		return r.res.Resolve(loc, "project-progress-episodic", map[string]string{
			"name":    p.Title,
			"episode": strconv.Itoa(*p.Episode),
		})
	}
	return r.res.Resolve(loc, "project-progress", map[string]string{"name": p.Title})
}

func (r *Renderer) progressBody(loc string, p event.ProjectProgress) string {
	lines := make([]string, 0, len(p.Roles))
	for _, rs := range p.Roles {
		var key string
		switch rs.Status {
		case event.StatusDone:
			key = "project-progress-done"
		case event.StatusReverted:
			key = "project-progress-revert"
		default:
			key = "project-progress-ongoing"
		}
		lines = append(lines, r.res.Resolve(loc, key, map[string]string{"role": r.roleLabel(loc, rs.Role)}))
	}
	return strings.Join(lines, "\n")
}

// roleLabel localizes well-known role keys (tl, ed, qc, ...); free-form role
// names pass through verbatim.
func (r *Renderer) roleLabel(loc, role string) string {
	key := "role-" + strings.ToLower(role)
	if label := r.res.Resolve(loc, key, nil); label != key {
		return label
	}
	return role
}

func (r *Renderer) releaseBody(loc, baseKey, title string, release event.ReleaseKind, eps *event.EpisodeRange) string {
	switch release {
	case event.ReleaseEpisodic:
		if eps != nil {
			return r.res.Resolve(loc, baseKey+"-episodic", map[string]string{
				"name":     title,
				"episodes": r.episodeMarker(loc, *eps),
			})
		}
	case event.ReleaseSingle:
	default:
		r.log.Warn("unknown release kind, using single-release branch", logx.String("release_kind", string(release)))
	}
	return r.res.Resolve(loc, baseKey, map[string]string{"name": title})
}

func (r *Renderer) episodeMarker(loc string, eps event.EpisodeRange) string {
	if eps.Single() {
		return r.res.Resolve(loc, "project-episode-single", map[string]string{"episode": strconv.Itoa(eps.Start)})
	}
	return r.res.Resolve(loc, "project-episode-range", map[string]string{
		"episode-start": strconv.Itoa(eps.Start),
		"episode-end":   strconv.Itoa(eps.End),
	})
}
