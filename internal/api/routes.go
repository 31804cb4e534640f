package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/tissuemaps/tmviewer/internal/data/objects"
	"github.com/tissuemaps/tmviewer/internal/render"
	"github.com/tissuemaps/tmviewer/internal/service"
	"github.com/tissuemaps/tmviewer/internal/store"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *ExperimentRegistry
	Tools       *service.ToolService
	Store       *store.Store
	JobManager  *JobManager
	Hub         *PushHub
	Renderer    *render.Renderer
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Push channel. Not compressed: the upgrade needs the raw connection.
	r.Get("/ws", cfg.Hub.ServeHTTP)

	r.Post("/tools/{tool_name}/instances/{session_id}/request",
		toolRequestHandler(cfg.Registry, cfg.Tools, cfg.Store, cfg.JobManager))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Get("/api/tools", toolsHandler(cfg.Tools))
		r.Get("/api/experiments", experimentsHandler(cfg.Registry))

		r.Route("/api/experiments/{experiment_id}", func(r chi.Router) {
			r.Use(experimentMiddleware(cfg.Registry))

			r.Get("/", experimentHandler)
			r.Get("/stats", statsHandler)
			r.Get("/mapobjects/{type}/{id}", mapObjectHandler)
			r.Get("/segmentation_layers/{layer_id}/tiles", segmentationTileHandler)
			r.Get("/label_layers/{layer_id}/tiles", labelTileHandler)
			r.Get("/channel_layers/{channel_id}/tiles", channelTileHandler(cfg.Renderer))

			r.Route("/tools", func(r chi.Router) {
				r.Get("/results", listResultsHandler(cfg.Store))
				r.Post("/results", uploadResultHandler(cfg.Store, cfg.Hub))
				r.Get("/results/{result_id}", getResultHandler(cfg.Store))
				r.Delete("/results/{result_id}", deleteResultHandler(cfg.Store))

				r.Get("/jobs/{submission_id}", jobStatusHandler(cfg.JobManager))
				r.Delete("/jobs/{submission_id}", jobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// requestLogger logs one line per request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("component", "http").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(wire.ErrorBody{Message: msg})
}

// Context key for experiment service
type ctxKey string

const experimentServiceKey ctxKey = "experimentService"

// experimentMiddleware resolves the experiment from the URL and injects its tile service into the context.
func experimentMiddleware(registry *ExperimentRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			experimentID := chi.URLParam(r, "experiment_id")
			svc := registry.Get(experimentID)
			if svc == nil {
				writeError(w, http.StatusNotFound, "experiment not found: "+experimentID)
				return
			}
			ctx := context.WithValue(r.Context(), experimentServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getExperimentService(r *http.Request) *service.TileService {
	if svc, ok := r.Context().Value(experimentServiceKey).(*service.TileService); ok {
		return svc
	}
	return nil
}

func toolsHandler(tools *service.ToolService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, tools.Tools())
	}
}

func experimentsHandler(registry *ExperimentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, registry.Experiments())
	}
}

func experimentHandler(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, getExperimentService(r).Info())
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := getExperimentService(r).Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to collect stats: "+err.Error())
		return
	}
	writeData(w, http.StatusOK, stats)
}

func mapObjectHandler(w http.ResponseWriter, r *http.Request) {
	svc := getExperimentService(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mapobject id")
		return
	}
	obj, err := svc.MapObject(chi.URLParam(r, "type"), id)
	switch {
	case errors.Is(err, objects.ErrUnknownType), errors.Is(err, objects.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeData(w, http.StatusOK, obj)
	}
}

// tileParams parses the integer query parameters of a tile request. Missing
// optional parameters default to zero.
func tileParams(r *http.Request, required []string, optional ...string) (map[string]int, error) {
	q := r.URL.Query()
	out := make(map[string]int, len(required)+len(optional))
	for _, name := range required {
		v, err := strconv.Atoi(q.Get(name))
		if err != nil {
			return nil, errors.New("invalid or missing query param: " + name)
		}
		out[name] = v
	}
	for _, name := range optional {
		if q.Get(name) == "" {
			continue
		}
		v, err := strconv.Atoi(q.Get(name))
		if err != nil {
			return nil, errors.New("invalid query param: " + name)
		}
		out[name] = v
	}
	return out, nil
}

var xyz = []string{"x", "y", "z"}

func writeTile(w http.ResponseWriter, data []byte, err error) {
	switch {
	case errors.Is(err, service.ErrLayerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidTile):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to build tile: "+err.Error())
	default:
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

func segmentationTileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getExperimentService(r)
	p, err := tileParams(r, xyz)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := svc.SegmentationTile(chi.URLParam(r, "layer_id"), p["x"], p["y"], p["z"])
	writeTile(w, data, err)
}

func labelTileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getExperimentService(r)
	p, err := tileParams(r, xyz, "zplane", "tpoint")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := svc.LabelTile(chi.URLParam(r, "layer_id"), p["zplane"], p["tpoint"], p["x"], p["y"], p["z"])
	writeTile(w, data, err)
}

// channelTileHandler serves a transparent tile for every channel; raw
// intensity pyramids are not served.
func channelTileHandler(renderer *render.Renderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getExperimentService(r)
		channelID := chi.URLParam(r, "channel_id")
		found := false
		for _, ch := range svc.Info().Channels {
			if ch.ID == channelID {
				found = true
				break
			}
		}
		if !found {
			writeError(w, http.StatusNotFound, "channel not found: "+channelID)
			return
		}
		if _, err := tileParams(r, xyz); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		png, err := renderer.CreateEmptyTile()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write(png)
	}
}

// Tool result handlers

func listResultsHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := st.ListResults(chi.URLParam(r, "experiment_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list results: "+err.Error())
			return
		}
		out := make([]wire.SerializedToolResult, 0, len(results))
		for _, res := range results {
			out = append(out, res.SerializedToolResult)
		}
		writeData(w, http.StatusOK, out)
	}
}

func getResultHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := st.GetResult(chi.URLParam(r, "experiment_id"), chi.URLParam(r, "result_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load result: "+err.Error())
			return
		}
		if res == nil {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		writeData(w, http.StatusOK, res.SerializedToolResult)
	}
}

func deleteResultHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resultID := chi.URLParam(r, "result_id")
		layers, found, err := st.DeleteResult(chi.URLParam(r, "experiment_id"), resultID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete result: "+err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		getExperimentService(r).ForgetResult(resultID)
		writeData(w, http.StatusOK, map[string]any{
			"id":      resultID,
			"layers":  layers,
			"deleted": true,
		})
	}
}

// resultUpload is the body of POST .../tools/results, used by compute
// backends that run outside this server.
type resultUpload struct {
	SessionUUID   string                `json:"session_uuid"`
	SubmissionID  string                `json:"submission_id"`
	Name          string                `json:"name" validate:"required"`
	Type          string                `json:"type" validate:"required"`
	ToolName      string                `json:"tool_name" validate:"required"`
	MapObjectType string                `json:"mapobject_type" validate:"required"`
	Attributes    map[string]any        `json:"attributes"`
	Plots         []wire.SerializedPlot `json:"plots"`
	Labels        map[string]any        `json:"labels" validate:"required"`
}

var uploadValidator = validator.New(validator.WithRequiredStructEnabled())

func uploadResultHandler(st *store.Store, hub *PushHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getExperimentService(r)

		var up resultUpload
		if err := json.NewDecoder(r.Body).Decode(&up); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := uploadValidator.Struct(up); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !svc.Reader().HasType(up.MapObjectType) {
			writeError(w, http.StatusBadRequest, "unknown mapobject type: "+up.MapObjectType)
			return
		}
		labels := make(map[int64]any, len(up.Labels))
		for k, v := range up.Labels {
			id, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid mapobject id in labels: "+k)
				return
			}
			labels[id] = v
		}

		res := &store.Result{
			SerializedToolResult: wire.SerializedToolResult{
				ID:           ulid.Make().String(),
				Name:         up.Name,
				Type:         up.Type,
				ToolName:     up.ToolName,
				Attributes:   up.Attributes,
				SubmissionID: up.SubmissionID,
				Plots:        up.Plots,
			},
			SessionUUID:   up.SessionUUID,
			MapObjectType: up.MapObjectType,
			Labels:        labels,
		}
		if res.Attributes == nil {
			res.Attributes = map[string]any{}
		}
		service.AssignLayers(svc.Reader(), res)

		if err := st.SaveResult(res); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store result: "+err.Error())
			return
		}
		if res.SessionUUID != "" {
			hub.Publish(wire.PushEvent{
				Event:        wire.EventResultReady,
				SessionUUID:  res.SessionUUID,
				SubmissionID: res.SubmissionID,
				Result:       &res.SerializedToolResult,
			})
		}
		writeData(w, http.StatusCreated, res.SerializedToolResult)
	}
}

// Tool request handler

func toolRequestHandler(registry *ExperimentRegistry, tools *service.ToolService, st *store.Store, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		toolName := chi.URLParam(r, "tool_name")
		sessionID := chi.URLParam(r, "session_id")

		var req wire.ToolRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.ToolName != "" && req.ToolName != toolName {
			writeError(w, http.StatusBadRequest, "tool_name does not match the URL")
			return
		}
		if req.SessionUUID != "" && req.SessionUUID != sessionID {
			writeError(w, http.StatusBadRequest, "session_uuid does not match the URL")
			return
		}
		req.ToolName = toolName
		req.SessionUUID = sessionID

		desc, err := tools.Descriptor(toolName)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if req.ExperimentID == "" {
			writeError(w, http.StatusBadRequest, "experiment_id is required")
			return
		}
		svc := registry.Get(req.ExperimentID)
		if svc == nil {
			writeError(w, http.StatusNotFound, "experiment not found: "+req.ExperimentID)
			return
		}
		if req.Payload == nil {
			req.Payload = map[string]any{}
		}

		if desc.LongRunning {
			if err := tools.Validate(toolName, req.Payload); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if jm == nil {
				writeError(w, http.StatusNotImplemented, "job manager not configured")
				return
			}
			job, err := jm.Submit(req)
			if errors.Is(err, ErrQueueFull) {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to submit job: "+err.Error())
				return
			}
			writeData(w, http.StatusAccepted, wire.SubmissionAck{SubmissionID: job.ID, Status: wire.SubmissionQueued})
			return
		}

		res, err := tools.Run(r.Context(), svc.Reader(), req, "")
		var ire *service.InvalidRequestError
		switch {
		case errors.As(err, &ire):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "tool failed: "+err.Error())
			return
		}
		if err := st.SaveResult(res); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store result: "+err.Error())
			return
		}
		writeData(w, http.StatusOK, res.SerializedToolResult)
	}
}

// Job handlers

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}
		job := jm.Get(chi.URLParam(r, "submission_id"))
		if job == nil || job.ExperimentID != chi.URLParam(r, "experiment_id") {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeData(w, http.StatusOK, job)
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}
		id := chi.URLParam(r, "submission_id")
		job := jm.Get(id)
		if job == nil || job.ExperimentID != chi.URLParam(r, "experiment_id") {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"submission_id": id,
			"cancelled":     jm.Cancel(id),
		})
	}
}
