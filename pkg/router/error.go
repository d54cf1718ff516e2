package router

import (
	"encoding/json"
	"io"
	"net/http"
)

type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

// StatusError maps err to a JsonError carrying its message and code.
func StatusError(code int) ErrorMapper {
	return func(err error) JsonError {
		return NewJsonError(code, err.Error())
	}
}

// NotFound is returned for routes whose backing feature is disabled.
var NotFound = NewJsonError(http.StatusNotFound, "not found")

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
