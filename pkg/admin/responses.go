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

package admin

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/flotilla-sh/flotilla/pkg/errors"
)

// httpStatus maps the error taxonomy onto HTTP status codes.
var httpStatus = map[errors.Code]int{
	errors.CodeUnauthorized:     http.StatusUnauthorized,
	errors.CodeForbidden:        http.StatusForbidden,
	errors.CodeValidation:       http.StatusBadRequest,
	errors.CodeNotFound:         http.StatusNotFound,
	errors.CodeConflict:         http.StatusConflict,
	errors.CodeStaleIncarnation: http.StatusConflict,
	errors.CodeTimeout:          http.StatusGatewayTimeout,
}

type errorResponse struct {
	Code    errors.Code       `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status, ok := httpStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	resp := errorResponse{Code: code, Message: "internal error"}
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		resp.Message = coded.Message
		resp.Details = coded.Details
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (a *API) decode(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errors.Wrap(errors.CodeValidation, err, "malformed request body")
	}
	if err := a.validate.Struct(into); err != nil {
		details := map[string]string{}
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return errors.Wrap(errors.CodeValidation, err, "invalid request").WithDetails(details)
	}
	return nil
}
