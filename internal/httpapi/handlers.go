package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flightpath-dev/sar-fleet-server/internal/emergency"
	"github.com/flightpath-dev/sar-fleet-server/internal/mission"
	"github.com/flightpath-dev/sar-fleet-server/internal/sarerrors"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

type envelope struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, reason, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "error", Reason: reason, Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "serving"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusNotFound, "internal", "metrics not configured")
		return
	}
	promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleGetDrone(w http.ResponseWriter, r *http.Request) {
	id := sartypes.DroneId(chi.URLParam(r, "droneID"))
	rec, ok := s.deps.Registry.Get(id)
	if !ok {
		mapError(w, sarerrors.Validation("drone not found", nil))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	id := sartypes.DroneId(chi.URLParam(r, "droneID"))
	telem, ok := s.deps.Cache.Get(id)
	if !ok {
		mapError(w, sarerrors.Validation("no telemetry for drone", nil))
		return
	}
	writeJSON(w, http.StatusOK, telem)
}

type waypointDTO struct {
	Latitude  float64 `json:"latitude" validate:"required"`
	Longitude float64 `json:"longitude" validate:"required"`
	Altitude  float64 `json:"altitude" validate:"required"`
}

type createMissionRequest struct {
	Drones       []string      `json:"drones" validate:"required,min=1"`
	Waypoints    []waypointDTO `json:"waypoints" validate:"required,min=1,dive"`
	WaypointMode string        `json:"waypoint_mode"`
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mapError(w, sarerrors.Validation("malformed request body", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		mapError(w, sarerrors.Validation("invalid mission request", err))
		return
	}

	drones := make([]sartypes.DroneId, len(req.Drones))
	for i, d := range req.Drones {
		drones[i] = sartypes.DroneId(d)
	}
	waypoints := make([]mission.Waypoint, len(req.Waypoints))
	for i, wp := range req.Waypoints {
		waypoints[i] = mission.Waypoint{Latitude: wp.Latitude, Longitude: wp.Longitude, Altitude: wp.Altitude}
	}

	mode := mission.WaypointModeShared
	if req.WaypointMode == string(mission.WaypointModePartitioned) {
		mode = mission.WaypointModePartitioned
	}

	id, err := s.deps.Mission.Start(r.Context(), mission.Spec{
		Drones:       drones,
		Waypoints:    waypoints,
		WaypointMode: mode,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"mission_id": id})
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Store.ListMissions(r.Context())
	if err != nil {
		mapError(w, sarerrors.Internal("failed to list missions", err))
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "missionID")
	state, ok := s.deps.Mission.GetState(id)
	if !ok {
		mapError(w, sarerrors.Validation("mission not found", nil))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type missionDroneList struct {
	Drones []string `json:"drones"`
}

func (s *Server) handlePauseMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "missionID")
	var req missionDroneList
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.deps.Mission.Pause(r.Context(), id, toDroneIDs(req.Drones)); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mission_id": id, "phase": string(mission.PhasePaused)})
}

func (s *Server) handleResumeMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "missionID")
	var req missionDroneList
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.deps.Mission.Resume(r.Context(), id, toDroneIDs(req.Drones)); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mission_id": id})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbortMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "missionID")
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		mapError(w, sarerrors.Validation("malformed request body", err))
		return
	}

	if err := s.deps.Mission.Abort(id, req.Reason); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mission_id": id})
}

func toDroneIDs(ids []string) []sartypes.DroneId {
	out := make([]sartypes.DroneId, len(ids))
	for i, id := range ids {
		out[i] = sartypes.DroneId(id)
	}
	return out
}

// emergencyRequest is the exact body spec.md §6.1 defines for every
// /emergency/* POST endpoint. confirm is only consulted for kill.
type emergencyRequest struct {
	Reason     string `json:"reason"`
	OperatorID string `json:"operator_id"`
	Confirm    bool   `json:"confirm"`
}

// resolveAllTargets is spec.md §6.1's server-side "all" resolution: every
// drone the registry knows about that isn't already offline.
func (s *Server) resolveAllTargets() []sartypes.DroneId {
	var targets []sartypes.DroneId
	for _, d := range s.deps.Registry.List() {
		if d.Status != sartypes.DroneOffline {
			targets = append(targets, d.ID)
		}
	}
	return targets
}

func (s *Server) dispatchEmergencyAll(w http.ResponseWriter, r *http.Request, kind emergency.Kind, requireConfirm bool) {
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		mapError(w, sarerrors.Validation("malformed request body", err))
		return
	}
	if requireConfirm && !req.Confirm {
		mapError(w, sarerrors.Validation("kill requires explicit confirmation", nil))
		return
	}

	targets := s.resolveAllTargets()
	if len(targets) == 0 {
		mapError(w, sarerrors.Validation("no connected drones to target", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	outcome, err := s.deps.Emergency.Dispatch(ctx, emergency.Intent{
		Kind:      kind,
		Targets:   targets,
		Operator:  req.OperatorID,
		Reason:    req.Reason,
		Confirmed: req.Confirm,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleEmergencyStopAll(w http.ResponseWriter, r *http.Request) {
	s.dispatchEmergencyAll(w, r, emergency.KindEmergencyStop, false)
}

func (s *Server) handleEmergencyRTL(w http.ResponseWriter, r *http.Request) {
	s.dispatchEmergencyAll(w, r, emergency.KindReturnToLaunch, false)
}

func (s *Server) handleEmergencyKill(w http.ResponseWriter, r *http.Request) {
	s.dispatchEmergencyAll(w, r, emergency.KindDisarmAll, true)
}

func (s *Server) handleEmergencyStatus(w http.ResponseWriter, r *http.Request) {
	total, online := s.deps.Registry.Count()
	writeJSON(w, http.StatusOK, map[string]any{
		"registered_drones": total,
		"connected_drones":  online,
		"active_missions":   s.deps.Mission.ActiveMissionCount(),
	})
}
