package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/usda-vision/coordinator/internal/cameramanager"
	"github.com/usda-vision/coordinator/internal/config"
	"github.com/usda-vision/coordinator/internal/errs"
	"github.com/usda-vision/coordinator/internal/storageindex"
)

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /system/status", s.handleSystemStatus)
	s.mux.HandleFunc("GET /machines", s.handleMachines)
	s.mux.HandleFunc("GET /mqtt/status", s.handleMQTTStatus)
	s.mux.HandleFunc("GET /mqtt/events", s.handleMQTTEvents)

	s.mux.HandleFunc("GET /cameras", s.handleCameras)
	s.mux.HandleFunc("GET /cameras/{name}/status", s.handleCameraStatus)
	s.mux.HandleFunc("POST /cameras/{name}/start-recording", s.handleStartRecording)
	s.mux.HandleFunc("POST /cameras/{name}/stop-recording", s.handleStopRecording)
	s.mux.HandleFunc("GET /cameras/{name}/stream", s.handleStream)
	s.mux.HandleFunc("POST /cameras/{name}/start-stream", s.handleStartStream)
	s.mux.HandleFunc("POST /cameras/{name}/stop-stream", s.handleStopStream)
	s.mux.HandleFunc("GET /cameras/{name}/config", s.handleGetCameraConfig)
	s.mux.HandleFunc("PUT /cameras/{name}/config", s.handlePutCameraConfig)
	s.mux.HandleFunc("POST /cameras/{name}/apply-config", s.handleApplyConfig)

	s.mux.HandleFunc("POST /cameras/{name}/test-connection", s.handleRecover(cameramanager.RecoverTestConnection))
	s.mux.HandleFunc("POST /cameras/{name}/reconnect", s.handleRecover(cameramanager.RecoverReconnect))
	s.mux.HandleFunc("POST /cameras/{name}/restart-grab", s.handleRecover(cameramanager.RecoverRestartGrab))
	s.mux.HandleFunc("POST /cameras/{name}/reset-timestamp", s.handleRecover(cameramanager.RecoverResetTimestamp))
	s.mux.HandleFunc("POST /cameras/{name}/full-reset", s.handleFullReset)
	s.mux.HandleFunc("POST /cameras/{name}/reinitialize", s.handleReinitialize)

	s.mux.HandleFunc("POST /cameras/{name}/auto-recording/enable", s.handleAutoRecordingEnable)
	s.mux.HandleFunc("POST /cameras/{name}/auto-recording/disable", s.handleAutoRecordingDisable)
	s.mux.HandleFunc("GET /auto-recording/status", s.handleAutoRecordingStatus)

	s.mux.HandleFunc("GET /recordings", s.handleRecordings)
	s.mux.HandleFunc("GET /storage/stats", s.handleStorageStats)
	s.mux.HandleFunc("POST /storage/files", s.handleStorageFiles)
	s.mux.HandleFunc("POST /storage/cleanup", s.handleStorageCleanup)

	s.mux.HandleFunc("GET /config", s.handleGetConfig)
	s.mux.HandleFunc("POST /config/reload", s.handleConfigReload)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.SystemSummary())
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.AllMachines())
}

func (s *Server) handleMQTTStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.busStats())
}

func (s *Server) handleMQTTEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 10, 50)
	writeJSON(w, http.StatusOK, s.store.RecentBusEvents(limit))
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.AllCameras())
}

func (s *Server) cameraOr404(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if _, ok := s.store.GetCamera(name); !ok {
		writeError(w, errs.New(errs.KindNotFound, "controlplane", fmt.Sprintf("unknown camera: %s", name)))
		return "", false
	}
	return name, true
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := s.cameraOr404(w, r)
	if !ok {
		return
	}
	cam, _ := s.store.GetCamera(name)
	writeJSON(w, http.StatusOK, cam)
}

type startRecordingRequest struct {
	Filename   string  `json:"filename"`
	ExposureMs float64 `json:"exposure_ms"`
	Gain       float64 `json:"gain"`
	FPS        float64 `json:"fps"`
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req startRecordingRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.New(errs.KindInvalidRequest, "controlplane", "malformed request body"))
			return
		}
	}
	if req.ExposureMs != 0 || req.Gain != 0 || req.FPS != 0 {
		if err := s.applyInlineOverrides(name, req); err != nil {
			writeError(w, err)
			return
		}
	}

	filename, err := s.mgr.StartRecording(r.Context(), name, req.Filename, "manual")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"message":  "recording started",
		"filename": filename,
	})
}

// applyInlineOverrides lets a start-recording request tweak exposure,
// gain, and FPS without a separate config round trip. The overrides
// replace the camera's configuration held by the Camera Manager, so later
// starts keep them until the next config update; the config file is not
// changed.
func (s *Server) applyInlineOverrides(cameraName string, req startRecordingRequest) error {
	cfg := s.cfgManager.Get()
	camCfg := cfg.GetCameraByName(cameraName)
	if camCfg == nil {
		return errs.New(errs.KindNotFound, "controlplane", fmt.Sprintf("unknown camera: %s", cameraName))
	}
	updated := *camCfg
	if req.ExposureMs != 0 {
		updated.ExposureMs = req.ExposureMs
	}
	if req.Gain != 0 {
		updated.Gain = req.Gain
	}
	if req.FPS != 0 {
		updated.TargetFPS = req.FPS
	}
	return s.mgr.UpdateConfig(cameraName, updated)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cam, ok := s.store.GetCamera(name)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "controlplane", fmt.Sprintf("unknown camera: %s", name)))
		return
	}
	start := cam.RecordingStartTime

	if err := s.mgr.StopRecording(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{"success": true, "message": "recording stopped"}
	if !start.IsZero() {
		resp["duration_seconds"] = time.Since(start).Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.KindInvalidRequest, "controlplane", "streaming unsupported by this transport"))
		return
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			frame, err := s.mgr.LatestStreamFrame(name)
			if err != nil {
				return
			}
			if frame == nil {
				continue
			}
			chunk := mjpegChunk(frame)
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func mjpegChunk(frame []byte) []byte {
	return append([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n"), append(frame, []byte("\r\n")...)...)
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.mgr.StartStream(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.mgr.StopStream(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// redactedConfig strips the bus password before it leaves the process
// (spec expansion §6.2 "GET /config redacts bus.password").
func redactedConfig(cfg *config.Config) config.Config {
	copied := *cfg
	if copied.Bus.Password != "" {
		copied.Bus.Password = "***"
	}
	return copied
}

func (s *Server) handleGetCameraConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	camCfg := s.cfgManager.Get().GetCameraByName(name)
	if camCfg == nil {
		writeError(w, errs.New(errs.KindNotFound, "controlplane", fmt.Sprintf("unknown camera: %s", name)))
		return
	}
	writeJSON(w, http.StatusOK, camCfg)
}

func (s *Server) handlePutCameraConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var camCfg config.CameraConfig
	if err := json.NewDecoder(r.Body).Decode(&camCfg); err != nil {
		writeError(w, errs.New(errs.KindInvalidRequest, "controlplane", "malformed request body"))
		return
	}
	camCfg.Name = name

	full := s.cfgManager.Get()
	replaced := false
	for i := range full.Cameras {
		if full.Cameras[i].Name == name {
			full.Cameras[i] = camCfg
			replaced = true
			break
		}
	}
	if !replaced {
		writeError(w, errs.New(errs.KindNotFound, "controlplane", fmt.Sprintf("unknown camera: %s", name)))
		return
	}
	if err := s.cfgManager.Save(full); err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidRequest, "controlplane.PutCameraConfig", "save failed", err))
		return
	}
	if err := s.mgr.UpdateConfig(name, camCfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, camCfg)
}

func (s *Server) handleApplyConfig(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	restartRequired, err := s.mgr.ApplyConfig(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"restart_required": restartRequired})
}

func (s *Server) handleRecover(op cameramanager.RecoverOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := s.mgr.Recover(name, op); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

func (s *Server) handleFullReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.mgr.FullReset(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "camera device closed and reopened"})
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.mgr.ApplyConfig(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type autoRecordingToggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAutoRecordingEnable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.auto.Enable(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleAutoRecordingDisable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.auto.Disable(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleAutoRecordingStatus(w http.ResponseWriter, r *http.Request) {
	all := s.store.AllCameras()
	out := make(map[string]interface{}, len(all))
	for name, cam := range all {
		out[name] = map[string]interface{}{
			"enabled":       cam.AutoRecordingEnabled,
			"active":        cam.AutoRecordingActive,
			"failure_count": cam.AutoRecordingFailureCount,
			"last_attempt":  cam.AutoRecordingLastAttempt,
			"last_error":    cam.AutoRecordingLastError,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	filter := storageindex.ListFilter{CameraName: r.URL.Query().Get("camera")}
	if limit := parseLimit(r, 0, 1000); limit > 0 {
		filter.Limit = limit
	}
	records, err := s.index.List(filter)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindIndexWriteFailure, "controlplane.Recordings", "list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.index.Statistics()
	if err != nil {
		writeError(w, errs.Wrap(errs.KindIndexWriteFailure, "controlplane.StorageStats", "statistics failed", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type storageFilesRequest struct {
	Camera string `json:"camera"`
	Limit  int    `json:"limit"`
}

func (s *Server) handleStorageFiles(w http.ResponseWriter, r *http.Request) {
	var req storageFilesRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.New(errs.KindInvalidRequest, "controlplane", "malformed request body"))
			return
		}
	}
	records, err := s.index.List(storageindex.ListFilter{CameraName: req.Camera, Limit: req.Limit})
	if err != nil {
		writeError(w, errs.Wrap(errs.KindIndexWriteFailure, "controlplane.StorageFiles", "list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStorageCleanup(w http.ResponseWriter, r *http.Request) {
	maxAgeDays := s.cfgManager.Get().Storage.CleanupOlderThanDays
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	result := s.index.Cleanup(time.Duration(maxAgeDays) * 24 * time.Hour)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redactedConfig(s.cfgManager.Get()))
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	path := req.Path
	if path == "" {
		writeError(w, errs.New(errs.KindInvalidRequest, "controlplane.ConfigReload", "path required"))
		return
	}
	if err := s.cfgManager.Load(path); err != nil {
		writeError(w, errs.Wrap(errs.KindConfigValidation, "controlplane.ConfigReload", "reload failed", err))
		return
	}
	writeJSON(w, http.StatusOK, redactedConfig(s.cfgManager.Get()))
}
