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
	"database/sql"
	"strconv"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

var errNoRows = sql.ErrNoRows

func itoa(i int) string { return strconv.Itoa(i) }

// JSONB columns default to empty objects/arrays rather than SQL nulls so
// decoding never has to special-case nil.

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func orEmptyResources(r v1alpha1.ResourceList) v1alpha1.ResourceList {
	if r == nil {
		return v1alpha1.ResourceList{}
	}
	return r
}
