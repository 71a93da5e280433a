package httputils

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// maxBodyBytes bounds the size of request bodies we are willing to read.
const maxBodyBytes = 1 << 20

// GetAccessToken is a helper function that extracts the access token
// from the request "Authorization" header. If it fails, fallback to
// extracting the token from the request's body.
func GetAccessToken(r *http.Request) (string, error) {
	authorization := r.Header.Get("Authorization")
	bearer := strings.Split(authorization, "Bearer ")

	if len(bearer) > 1 && bearer[1] != "" && bearer[1] != "undefined" {
		return bearer[1], nil
	}

	if r.Body == nil {
		return "", utils.MakeError("bearer token is empty and request has no body")
	}

	// Read request body and replace for subsequent reads
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return "", utils.MakeError("failed to read request body: %w", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	// Here we unmarshal into a simple struct because we are only interested
	// in the access token.
	var tokenBody struct {
		AccessToken string `json:"jwt_access_token"`
	}
	if err := json.Unmarshal(body, &tokenBody); err != nil {
		return "", utils.MakeError("bearer token is empty and body is not valid JSON: %w", err)
	}
	if tokenBody.AccessToken == "" {
		return "", utils.MakeError("bearer token is empty and did not find jwt_access_token field in request body")
	}

	return tokenBody.AccessToken, nil
}

// ParseRequest unmarshals the JSON body of the request into v. On failure it
// responds with a 400 and returns the error.
func ParseRequest(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("error getting body from request on %s to URL %s: %w", r.Host, r.URL, err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("could not unmarshal the body of a request sent on %s to URL %s: %w", r.Host, r.URL, err)
	}

	return nil
}

// WriteJSON is called to send an HTTP response with a JSON body.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("error marshalling a %v HTTP Response body: %s", status, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

// Function to verify the type (method) of a request
func VerifyRequestType(w http.ResponseWriter, r *http.Request, method string) error {
	if r == nil {
		err := utils.MakeError("received a nil request expecting to be type %s", method)
		logger.Error(err)

		http.Error(w, utils.Sprintf("Bad request. Expected %s, got nil", method), http.StatusBadRequest)

		return err
	}

	if r.Method != method {
		err := utils.MakeError("received a request on %s to URL %s of type %s, but it should have been type %s", r.Host, r.URL, r.Method, method)
		logger.Error(err)

		http.Error(w, utils.Sprintf("Bad request type. Expected %s, got %s", method, r.Method), http.StatusBadRequest)

		return err
	}
	return nil
}

// EnableCORS is a middleware that sets the Access control header to accept requests from all origins.
func EnableCORS(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Headers", "Origin, Accept, Content-Type, Authorization, X-Requested-With")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusNoContent)
			return
		}

		f(rw, r)
	}
}
