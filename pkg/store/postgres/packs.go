/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

type packStore struct{ s *Store }

type packRow struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	Version    string    `db:"version"`
	RuntimeTag string    `db:"runtime_tag"`
	OwnerID    string    `db:"owner_id"`
	Visibility string    `db:"visibility"`
	BundlePath string    `db:"bundle_path"`
	Metadata   []byte    `db:"metadata"`
	ACL        []byte    `db:"acl"`
	CreatedAt  time.Time `db:"created_at"`
}

func packToRow(p *v1alpha1.Pack) (*packRow, error) {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, err
	}
	acl, err := json.Marshal(orEmptySlice(p.ACL))
	if err != nil {
		return nil, err
	}
	return &packRow{
		ID:         p.ID,
		Name:       p.Name,
		Version:    p.Version,
		RuntimeTag: string(p.RuntimeTag),
		OwnerID:    p.OwnerID,
		Visibility: string(p.Visibility),
		BundlePath: p.BundlePath,
		Metadata:   metadata,
		ACL:        acl,
		CreatedAt:  p.CreatedAt,
	}, nil
}

func packFromRow(row *packRow) (*v1alpha1.Pack, error) {
	p := &v1alpha1.Pack{
		ID:         row.ID,
		Name:       row.Name,
		Version:    row.Version,
		RuntimeTag: v1alpha1.RuntimeKind(row.RuntimeTag),
		OwnerID:    row.OwnerID,
		Visibility: v1alpha1.PackVisibility(row.Visibility),
		BundlePath: row.BundlePath,
		CreatedAt:  row.CreatedAt,
	}
	if err := json.Unmarshal(row.Metadata, &p.Metadata); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(row.ACL, &p.ACL); err != nil {
		return nil, err
	}
	return p, nil
}

const packColumns = `id, name, version, runtime_tag, owner_id, visibility, bundle_path, metadata, acl, created_at`

func (ps *packStore) Create(ctx context.Context, pack *v1alpha1.Pack) (*v1alpha1.Pack, error) {
	p := *pack
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Visibility == "" {
		p.Visibility = v1alpha1.PackPrivate
	}
	p.CreatedAt = ps.s.clock.Now().UTC()
	row, err := packToRow(&p)
	if err != nil {
		return nil, storeErr(err, "encoding pack")
	}
	_, err = ps.s.db.NamedExecContext(ctx, `INSERT INTO packs (`+packColumns+`) VALUES
		(:id, :name, :version, :runtime_tag, :owner_id, :visibility, :bundle_path, :metadata, :acl,
		 :created_at)`, row)
	if err != nil {
		return nil, storeErr(err, "creating pack")
	}
	return &p, nil
}

func (ps *packStore) Get(ctx context.Context, id string) (*v1alpha1.Pack, error) {
	row := packRow{}
	if err := ps.s.db.GetContext(ctx, &row, `SELECT `+packColumns+` FROM packs WHERE id = $1`, id); err != nil {
		return nil, storeErr(err, "getting pack")
	}
	p, err := packFromRow(&row)
	return p, storeErr(err, "decoding pack")
}

func (ps *packStore) GetByNameVersion(ctx context.Context, name, version string) (*v1alpha1.Pack, error) {
	row := packRow{}
	if err := ps.s.db.GetContext(ctx, &row,
		`SELECT `+packColumns+` FROM packs WHERE name = $1 AND version = $2`, name, version); err != nil {
		return nil, storeErr(err, "getting pack by version")
	}
	p, err := packFromRow(&row)
	return p, storeErr(err, "decoding pack")
}

// Latest picks the highest semver among the pack's versions. Versions that
// do not parse as semver are ignored; if none parse, the newest row wins.
func (ps *packStore) Latest(ctx context.Context, name string) (*v1alpha1.Pack, error) {
	packs, err := ps.List(ctx, store.PackFilter{Name: name})
	if err != nil {
		return nil, err
	}
	if len(packs) == 0 {
		return nil, errors.New(errors.CodeNotFound, "pack %q not found", name)
	}
	var latest *v1alpha1.Pack
	var latestVersion *semver.Version
	for _, p := range packs {
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			continue
		}
		if latestVersion == nil || v.GreaterThan(latestVersion) {
			latest, latestVersion = p, v
		}
	}
	if latest == nil {
		return packs[len(packs)-1], nil
	}
	return latest, nil
}

func (ps *packStore) List(ctx context.Context, filter store.PackFilter) ([]*v1alpha1.Pack, error) {
	query := `SELECT ` + packColumns + ` FROM packs WHERE 1=1`
	args := []interface{}{}
	if filter.Name != "" {
		query += ` AND name = $1`
		args = append(args, filter.Name)
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = $` + itoa(len(args)+1)
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY created_at`

	rows := []packRow{}
	if err := ps.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr(err, "listing packs")
	}
	packs := make([]*v1alpha1.Pack, 0, len(rows))
	for i := range rows {
		p, err := packFromRow(&rows[i])
		if err != nil {
			return nil, storeErr(err, "decoding pack")
		}
		packs = append(packs, p)
	}
	return packs, nil
}

func (ps *packStore) Delete(ctx context.Context, id string) error {
	_, err := ps.s.db.ExecContext(ctx, `DELETE FROM packs WHERE id = $1`, id)
	return storeErr(err, "deleting pack")
}
