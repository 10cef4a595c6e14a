// Package health provides the /healthz handler served next to /metrics.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/slurmrun/internal/buildinfo"
)

// Response represents the health check response body.
type Response struct {
	Status         string    `json:"status"`
	ServiceName    string    `json:"service_name"`
	Version        string    `json:"version"`
	Commit         string    `json:"commit"`
	BuildTime      string    `json:"build_time"`
	GoVersion      string    `json:"go_version"`
	OS             string    `json:"os"`
	Architecture   string    `json:"architecture"`
	Clusters       []string  `json:"clusters"`
	DefaultCluster string    `json:"default_cluster,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Handler is a liveness check: it always answers 200 with build info and
// the configured cluster profile ids.  Clusters are not contacted.
func Handler(clusters []string, defaultCluster string) http.HandlerFunc {
	ids := append([]string{}, clusters...)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:         "healthy",
			ServiceName:    "slurmrun",
			Version:        buildinfo.Version,
			Commit:         buildinfo.Commit,
			BuildTime:      buildinfo.BuildTime,
			GoVersion:      runtime.Version(),
			OS:             runtime.GOOS,
			Architecture:   runtime.GOARCH,
			Clusters:       ids,
			DefaultCluster: defaultCluster,
			Timestamp:      time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
