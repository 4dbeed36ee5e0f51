package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pypottery/lens/pkg/workflow"
)

const writeWait = 10 * time.Second

var errRunNotFound = errors.New("run not found")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the API binds to localhost by default and serves a local front end
	CheckOrigin: func(r *http.Request) bool { return true },
}

type runView struct {
	ID        string          `json:"run_id"`
	ProjectID string          `json:"project_id"`
	Op        workflow.Op     `json:"op"`
	Done      bool            `json:"done"`
	Last      *workflow.Event `json:"last_event,omitempty"`
}

func viewOf(run *workflow.Run) runView {
	v := runView{ID: run.ID, ProjectID: run.ProjectID, Op: run.Op}
	if e, ok := run.Last(); ok {
		v.Last = &e
		v.Done = e.Done
	}
	return v
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) (*workflow.Run, bool) {
	run, ok := s.pipeline.Run(chi.URLParam(r, "runID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": errRunNotFound.Error(), "success": false})
		return nil, false
	}
	return run, true
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": viewOf(run), "success": true})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	run.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]any{"run": viewOf(run), "success": true})
}

// streamRun replays the events of a run over a websocket and closes it after
// the final event.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", run.ID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// a read error means the client went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for e := range run.Subscribe(ctx) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			s.log.Debug().Err(err).Str("run_id", run.ID).Msg("websocket write failed")
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
