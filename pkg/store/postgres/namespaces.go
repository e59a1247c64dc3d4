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

	"github.com/google/uuid"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

type namespaceStore struct{ s *Store }

func (ns *namespaceStore) Create(ctx context.Context, namespace *v1alpha1.Namespace) (*v1alpha1.Namespace, error) {
	n := *namespace
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = ns.s.clock.Now().UTC()
	_, err := ns.s.db.ExecContext(ctx,
		`INSERT INTO namespaces (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)`,
		n.ID, n.Name, n.OwnerID, n.CreatedAt)
	if err != nil {
		return nil, storeErr(err, "creating namespace")
	}
	return &n, nil
}

func (ns *namespaceStore) GetByName(ctx context.Context, name string) (*v1alpha1.Namespace, error) {
	n := v1alpha1.Namespace{}
	if err := ns.s.db.GetContext(ctx, &n,
		`SELECT id, name, owner_id, created_at FROM namespaces WHERE name = $1`, name); err != nil {
		return nil, storeErr(err, "getting namespace")
	}
	return &n, nil
}

func (ns *namespaceStore) List(ctx context.Context) ([]*v1alpha1.Namespace, error) {
	rows := []v1alpha1.Namespace{}
	if err := ns.s.db.SelectContext(ctx, &rows,
		`SELECT id, name, owner_id, created_at FROM namespaces ORDER BY name`); err != nil {
		return nil, storeErr(err, "listing namespaces")
	}
	namespaces := make([]*v1alpha1.Namespace, 0, len(rows))
	for i := range rows {
		n := rows[i]
		namespaces = append(namespaces, &n)
	}
	return namespaces, nil
}

func (ns *namespaceStore) Delete(ctx context.Context, name string) error {
	_, err := ns.s.db.ExecContext(ctx, `DELETE FROM namespaces WHERE name = $1`, name)
	return storeErr(err, "deleting namespace")
}
