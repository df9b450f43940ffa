package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Success  bool        `json:"success"`
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages"`
}

// WriteResponse will reply to the request with a JSON envelope wrapping the result
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{
		Success:  true,
		Result:   result,
		Messages: []string{},
	})
}

// WriteError will reply to the request with a structured error
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(envelope{
		Success:  false,
		Result:   e.Result,
		Messages: append([]string{e.Message}, e.Messages...),
	})
}
