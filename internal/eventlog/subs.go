package eventlog

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"tayang/internal/event"
	"tayang/internal/subscription"
)

// The Store doubles as the subscription.Persister so the registry survives
// restarts without a second database.

func (s *Store) SaveSubscription(ctx context.Context, sub subscription.Subscription) error {
	kinds := make([]string, 0, len(sub.Kinds))
	for _, k := range sub.Kinds {
		kinds = append(kinds, string(k))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(id, project_id, target_url, locale, kinds) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET project_id = excluded.project_id,
		   target_url = excluded.target_url, locale = excluded.locale, kinds = excluded.kinds`,
		sub.ID.String(), sub.ProjectID.String(), sub.TargetURL, sub.Locale, strings.Join(kinds, ","))
	return err
}

func (s *Store) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id.String())
	return err
}

func (s *Store) LoadSubscriptions(ctx context.Context) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, target_url, locale, kinds FROM subscriptions`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []subscription.Subscription
	for rows.Next() {
		var idRaw, projRaw, target, locale, kindsRaw string
		if err := rows.Scan(&idRaw, &projRaw, &target, &locale, &kindsRaw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idRaw)
		if err != nil {
			return nil, err
		}
		proj, err := uuid.Parse(projRaw)
		if err != nil {
			return nil, err
		}
		sub := subscription.Subscription{ID: id, ProjectID: proj, TargetURL: target, Locale: locale}
		if kindsRaw != "" {
			for _, raw := range strings.Split(kindsRaw, ",") {
				k, err := event.ParseKind(raw)
				if err != nil {
					// Unknown kinds from a newer schema are skipped, not fatal.
					s.log.Warn("skipping unknown subscription kind filter")
					continue
				}
				sub.Kinds = append(sub.Kinds, k)
			}
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
