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
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

type podHistoryStore struct{ s *Store }

type historyRow struct {
	ID             string    `db:"id"`
	PodID          string    `db:"pod_id"`
	Action         string    `db:"action"`
	PreviousStatus string    `db:"previous_status"`
	NewStatus      string    `db:"new_status"`
	PreviousNode   string    `db:"previous_node"`
	NewNode        string    `db:"new_node"`
	Version        string    `db:"version"`
	Actor          string    `db:"actor"`
	Reason         string    `db:"reason"`
	Message        string    `db:"message"`
	CreatedAt      time.Time `db:"created_at"`
}

// Append inserts an audit entry. Ordering per pod is guaranteed by the
// monotonic seq column, not by timestamps.
func (hs *podHistoryStore) Append(ctx context.Context, entry *v1alpha1.PodHistory) error {
	e := *entry
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = hs.s.clock.Now().UTC()
	row := &historyRow{
		ID:             e.ID,
		PodID:          e.PodID,
		Action:         string(e.Action),
		PreviousStatus: string(e.PreviousStatus),
		NewStatus:      string(e.NewStatus),
		PreviousNode:   e.PreviousNode,
		NewNode:        e.NewNode,
		Version:        e.Version,
		Actor:          e.Actor,
		Reason:         e.Reason,
		Message:        e.Message,
		CreatedAt:      e.CreatedAt,
	}
	_, err := hs.s.db.NamedExecContext(ctx, `INSERT INTO pod_history
		(id, pod_id, action, previous_status, new_status, previous_node, new_node, version, actor,
		 reason, message, created_at) VALUES
		(:id, :pod_id, :action, :previous_status, :new_status, :previous_node, :new_node, :version,
		 :actor, :reason, :message, :created_at)`, row)
	return storeErr(err, "appending pod history")
}

func (hs *podHistoryStore) List(ctx context.Context, podID string) ([]*v1alpha1.PodHistory, error) {
	rows := []historyRow{}
	if err := hs.s.db.SelectContext(ctx, &rows, `SELECT
		id, pod_id, action, previous_status, new_status, previous_node, new_node, version, actor,
		reason, message, created_at
		FROM pod_history WHERE pod_id = $1 ORDER BY seq`, podID); err != nil {
		return nil, storeErr(err, "listing pod history")
	}
	entries := make([]*v1alpha1.PodHistory, 0, len(rows))
	for i := range rows {
		row := rows[i]
		entries = append(entries, &v1alpha1.PodHistory{
			ID:             row.ID,
			PodID:          row.PodID,
			Action:         v1alpha1.HistoryAction(row.Action),
			PreviousStatus: v1alpha1.PodStatus(row.PreviousStatus),
			NewStatus:      v1alpha1.PodStatus(row.NewStatus),
			PreviousNode:   row.PreviousNode,
			NewNode:        row.NewNode,
			Version:        row.Version,
			Actor:          row.Actor,
			Reason:         row.Reason,
			Message:        row.Message,
			CreatedAt:      row.CreatedAt,
		})
	}
	return entries, nil
}
