package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lissto-dev/imagewatch/pkg/updatecheck"
)

var _ updatecheck.ResultStore = (*Store)(nil)

// UpsertRegistryVersion records the latest upstream state of an image tag
func (s *Store) UpsertRegistryVersion(ctx context.Context, v updatecheck.RegistryVersion) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO registry_versions
			     (image_repo, tag, latest_digest, latest_version, provider, is_fallback, method, published_at, checked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (image_repo, tag) DO UPDATE SET
			     latest_digest = excluded.latest_digest,
			     latest_version = excluded.latest_version,
			     provider = excluded.provider,
			     is_fallback = excluded.is_fallback,
			     method = excluded.method,
			     published_at = COALESCE(excluded.published_at, registry_versions.published_at),
			     checked_at = excluded.checked_at`,
			v.ImageRepo, v.Tag, v.LatestDigest, v.LatestVersion, v.Provider, boolInt(v.IsFallback),
			v.Method, nullMillis(v.PublishedAt), toMillis(v.CheckedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert registry version %s:%s: %w", v.ImageRepo, v.Tag, err)
		}
		return nil
	})
}

// RegistryVersion returns the stored state of imageRepo:tag or ErrNotFound
func (s *Store) RegistryVersion(ctx context.Context, imageRepo, tag string) (*updatecheck.RegistryVersion, error) {
	var (
		v           updatecheck.RegistryVersion
		isFallback  int
		publishedAt sql.NullInt64
		checkedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT image_repo, tag, latest_digest, latest_version, provider, is_fallback, method, published_at, checked_at
		 FROM registry_versions WHERE image_repo = ? AND tag = ?`, imageRepo, tag,
	).Scan(&v.ImageRepo, &v.Tag, &v.LatestDigest, &v.LatestVersion, &v.Provider, &isFallback,
		&v.Method, &publishedAt, &checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.IsFallback = isFallback != 0
	v.PublishedAt = timePtr(publishedAt)
	v.CheckedAt = fromMillis(checkedAt)
	return &v, nil
}

// UpsertContainerStatus records the update state of a container
func (s *Store) UpsertContainerStatus(ctx context.Context, st updatecheck.ContainerStatus) error {
	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO container_status
			     (container_id, container_name, image, image_repo, tag, current_digest,
			      latest_digest, latest_version, provider, has_update, checked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (container_id) DO UPDATE SET
			     container_name = excluded.container_name,
			     image = excluded.image,
			     image_repo = excluded.image_repo,
			     tag = excluded.tag,
			     current_digest = excluded.current_digest,
			     latest_digest = excluded.latest_digest,
			     latest_version = excluded.latest_version,
			     provider = excluded.provider,
			     has_update = excluded.has_update,
			     checked_at = excluded.checked_at`,
			st.ContainerID, st.ContainerName, st.Image, st.ImageRepo, st.Tag, st.CurrentDigest,
			st.LatestDigest, st.LatestVersion, st.Provider, boolInt(st.HasUpdate), toMillis(st.CheckedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert container status %s: %w", st.ContainerID, err)
		}
		return nil
	})
}

// ContainerStatuses lists container states, optionally only those with an update
func (s *Store) ContainerStatuses(ctx context.Context, onlyUpdates bool) ([]updatecheck.ContainerStatus, error) {
	query := `SELECT container_id, container_name, image, image_repo, tag, current_digest,
	                 latest_digest, latest_version, provider, has_update, checked_at
	          FROM container_status`
	if onlyUpdates {
		query += ` WHERE has_update = 1`
	}
	query += ` ORDER BY container_name, container_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query container status: %w", err)
	}
	defer rows.Close()

	var statuses []updatecheck.ContainerStatus
	for rows.Next() {
		var (
			st        updatecheck.ContainerStatus
			hasUpdate int
			checkedAt int64
		)
		if err := rows.Scan(&st.ContainerID, &st.ContainerName, &st.Image, &st.ImageRepo, &st.Tag,
			&st.CurrentDigest, &st.LatestDigest, &st.LatestVersion, &st.Provider, &hasUpdate, &checkedAt); err != nil {
			return nil, err
		}
		st.HasUpdate = hasUpdate != 0
		st.CheckedAt = fromMillis(checkedAt)
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// MarkUpgraded clears the update flag of every container running
// imageRepo:tag and records digest as their current digest. It returns the
// number of containers changed.
func (s *Store) MarkUpgraded(ctx context.Context, imageRepo, tag, digest string) (int64, error) {
	var changed int64
	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE container_status
			 SET has_update = 0,
			     current_digest = CASE WHEN ? = '' THEN current_digest ELSE ? END
			 WHERE image_repo = ? AND tag = ?`,
			digest, digest, imageRepo, tag,
		)
		if err != nil {
			return fmt.Errorf("failed to mark %s:%s upgraded: %w", imageRepo, tag, err)
		}
		changed, err = res.RowsAffected()
		return err
	})
	return changed, err
}
