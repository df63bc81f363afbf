package main

import (
	"net/http"
	"time"

	"breakglass/pkg/telemetry"
)

var timeNow = time.Now

// traced wraps inbound handlers in an OTel server span. The websocket
// stream is left out so the span does not live as long as the connection.
func traced(next http.Handler) http.Handler {
	return telemetry.HTTPMiddleware("breakglass")(next)
}
