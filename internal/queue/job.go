package queue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/router-for-me/RelayGate/internal/forward"
	"github.com/router-for-me/RelayGate/internal/models"
)

// Job is a scheduled deferred call with everything a worker needs to replay it.
// Target.Credential stays encrypted until the forwarder opens it.
type Job struct {
	QueueID  uint64         `json:"queue_id"`
	Priority int            `json:"priority"`
	ReadyAt  time.Time      `json:"ready_at"`
	Target   forward.Target `json:"target"`
	Call     forward.Call   `json:"call"`
}

// JobFromCall rebuilds the job for a persisted call.
func JobFromCall(call *models.DeferredCall) (Job, error) {
	var header http.Header
	if len(call.RequestHeaders) > 0 {
		if err := json.Unmarshal(call.RequestHeaders, &header); err != nil {
			return Job{}, fmt.Errorf("queue: decode headers for call %d: %w", call.ID, err)
		}
	}
	return Job{
		QueueID:  call.ID,
		Priority: call.Priority,
		ReadyAt:  call.ScheduledAt,
		Target: forward.Target{
			UpstreamID:       call.UpstreamID,
			BaseURL:          call.TargetBaseURL,
			Credential:       call.TargetCredential,
			CredentialHeader: call.TargetCredentialHeader,
		},
		Call: forward.Call{
			Method:   call.RequestMethod,
			Path:     call.RequestPath,
			RawQuery: call.RequestQuery,
			Header:   header,
			Body:     call.RequestBody,
		},
	}, nil
}
