package strategy

import (
	"encoding/json"
	"net/http"

	"github.com/Kush-Singh-26/vallenato/engine/models"
)

// offlineBody is the payload of every synthesized error
type offlineBody struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

// Offline returns the 503 sent when the network is unreachable
func Offline() *models.Response {
	return errorResponse(http.StatusServiceUnavailable, "Offline")
}

// Timeout returns the 504 sent when the network lost the race and nothing was cached
func Timeout() *models.Response {
	return errorResponse(http.StatusGatewayTimeout, "Request Timeout")
}

func errorResponse(status int, msg string) *models.Response {
	body, _ := json.Marshal(offlineBody{Error: msg, Offline: true})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return &models.Response{Status: status, Header: h, Body: body}
}
