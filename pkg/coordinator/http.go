package coordinator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/prism-pipeline/pandora/pkg/job"
)

type statusJob struct {
	JobCode  string         `json:"jobCode"`
	JobName  string         `json:"jobName"`
	Priority int            `json:"priority"`
	Tasks    map[string]int `json:"tasks"`
}

type statusSlave struct {
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	LastContact string `json:"lastContact,omitempty"`
	CurTasks    int    `json:"curTasks"`
}

type statusResponse struct {
	Host      string        `json:"host"`
	Time      string        `json:"time"`
	LocalMode bool          `json:"localMode"`
	Jobs      []statusJob   `json:"jobs"`
	Slaves    []statusSlave `json:"slaves"`
}

// RegisterRoutes mounts the coordinator's read-only HTTP surface.
func (c *Coordinator) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", c.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", c.handleStatus).Methods(http.MethodGet)
	if c.Metrics != nil {
		router.Handle("/metrics", c.Metrics.Handler()).Methods(http.MethodGet)
	}
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus serves a point-in-time snapshot built from the repository.
// It reads the same documents the UI mirror is built from, so it is safe
// to call from outside the cycle loop.
func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Host:      c.Host,
		Time:      time.Now().Format(time.RFC3339),
		LocalMode: c.settings.LocalMode,
	}

	entries, err := c.Index.Ordered()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, e := range entries {
		j, err := c.Jobs.Load(e.JobCode)
		if err != nil {
			continue
		}
		tasks := map[string]int{}
		for _, t := range j.Tasks {
			tasks[string(t.Status)]++
		}
		resp.Jobs = append(resp.Jobs, statusJob{
			JobCode:  j.Code,
			JobName:  j.Name,
			Priority: j.Priority,
			Tasks:    tasks,
		})
	}

	names, _ := c.Root.ListSlaves()
	for _, name := range names {
		s := statusSlave{Name: name}
		if slave, ok := c.findSlave(name); ok {
			s.Active = slave.Active
			s.CurTasks = len(slave.CurTasks)
			if !slave.LastContact.IsZero() {
				s.LastContact = slave.LastContact.Format(job.TimeFormat)
			}
		}
		resp.Slaves = append(resp.Slaves, s)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
