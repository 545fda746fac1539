// Package health answers the gateway's own health check and tracks the
// health of the backend services behind it.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Report is the JSON body of the health endpoint.
type Report struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Details Details `json:"details"`
}

// Details carries process and backend information.
type Details struct {
	Gateway    string                 `json:"gateway"`
	InstanceID string                 `json:"instance_id"`
	Uptime     string                 `json:"uptime"`
	Services   map[string]CheckResult `json:"services,omitempty"`
}

// Responder produces health reports. The gateway always answers 200 for
// its own health; backend status is informational.
type Responder struct {
	gateway    string
	instanceID string
	started    time.Time
	checker    *Checker
	now        func() time.Time
}

// NewResponder creates a responder. checker may be nil.
func NewResponder(gateway string, checker *Checker) *Responder {
	now := time.Now
	return &Responder{
		gateway:    gateway,
		instanceID: uuid.NewString(),
		started:    now(),
		checker:    checker,
		now:        now,
	}
}

// InstanceID identifies this gateway process.
func (r *Responder) InstanceID() string {
	return r.instanceID
}

// Check builds the current report.
func (r *Responder) Check() Report {
	rep := Report{
		Code:    "ok",
		Message: "gateway is healthy",
		Details: Details{
			Gateway:    r.gateway,
			InstanceID: r.instanceID,
			Uptime:     r.now().Sub(r.started).Truncate(time.Second).String(),
		},
	}
	if r.checker == nil {
		return rep
	}

	rep.Details.Services = r.checker.Snapshot()
	healthy := 0
	for _, res := range rep.Details.Services {
		if res.Status == StatusHealthy {
			healthy++
		}
	}
	if total := len(rep.Details.Services); healthy < total {
		rep.Message = fmt.Sprintf("gateway is healthy, %d of %d services healthy", healthy, total)
	}
	return rep
}

// Body returns the JSON encoded report.
func (r *Responder) Body() ([]byte, error) {
	return json.Marshal(r.Check())
}

func (r *Responder) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	body, err := r.Body()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
