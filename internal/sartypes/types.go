// Package sartypes holds data-model types shared across the registry,
// telemetry cache, mission engine, emergency pipeline, AI monitor, and
// fan-out bus packages. Kept separate from any one of them to avoid
// import cycles.
package sartypes

import "time"

// DroneId identifies a single drone across the fleet.
type DroneId string

// DroneStatus is the live connectivity state of a registered drone.
type DroneStatus string

const (
	DroneOnline   DroneStatus = "online"
	DroneDegraded DroneStatus = "degraded"
	DroneOffline  DroneStatus = "offline"
)

// DroneRecord is the registry's view of one fleet member.
type DroneRecord struct {
	ID         DroneId           `json:"id"`
	Name       string            `json:"name"`
	Status     DroneStatus       `json:"status"`
	LastSeen   time.Time         `json:"last_seen"`
	MissionID  string            `json:"mission_id,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Telemetry is the latest known state reported by one drone.
type Telemetry struct {
	DroneID        DroneId   `json:"drone_id"`
	Timestamp      time.Time `json:"timestamp"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AltitudeM      float64   `json:"altitude_m"`
	HeadingDeg     float64   `json:"heading_deg"`
	GroundSpeedMps float64   `json:"ground_speed_mps"`
	BatteryPercent float64   `json:"battery_percent"`
	Armed          bool      `json:"armed"`
	FlightMode     string    `json:"flight_mode"`
	SatelliteCount int32     `json:"satellite_count"`
	GPSAccuracyM   float64   `json:"gps_accuracy_m"`
	SensorsHealthy bool      `json:"sensors_healthy"`
}

// Topic names reserved by the fan-out bus. Publishers and subscribers
// agree on these strings; unrecognized topic names are still allowed for
// forward compatibility but carry no special handling.
const (
	TopicTelemetry      = "telemetry"
	TopicMissionUpdates = "mission_updates"
	TopicAIDecisions    = "ai_decisions"
	TopicAlerts         = "alerts"
	TopicDetections     = "detections"
)

// DecisionOption is one candidate action considered for a DecisionRecord.
type DecisionOption struct {
	OptionID        string             `json:"option_id"`
	Description     string             `json:"description"`
	Parameters      map[string]any     `json:"parameters"`
	ConfidenceScore float64            `json:"confidence_score"`
	Reasoning       string             `json:"reasoning"`
	RiskFactors     []string           `json:"risk_factors,omitempty"`
	ExpectedOutcome map[string]float64 `json:"expected_outcome,omitempty"`
}

// DecisionRecord is one AI monitor decision, published on TopicAIDecisions
// and retained for audit via the store.
type DecisionRecord struct {
	DecisionID      string           `json:"decision_id"`
	CreatedAt       time.Time        `json:"created_at"`
	MissionID       string           `json:"mission_id,omitempty"`
	DroneID         DroneId          `json:"drone_id,omitempty"`
	TriggerType     string           `json:"trigger_type"`
	Severity        string           `json:"severity"`
	SelectedOption  DecisionOption   `json:"selected_option"`
	Alternatives    []DecisionOption `json:"alternatives,omitempty"`
	AuthorityLevel  string           `json:"authority_level"`
	AutoExecuted    bool             `json:"auto_executed"`
	ReasoningChain  []string         `json:"reasoning_chain,omitempty"`
}

// SubscriberDroppedAlert is published on TopicAlerts when FanOutBus
// terminates a subscription for falling too far behind.
type SubscriberDroppedAlert struct {
	Topic          string `json:"topic"`
	SubscriptionID string `json:"subscription_id"`
	Reason         string `json:"reason"`
}

// AuthorityLevel values for DecisionRecord.AuthorityLevel.
const (
	AuthorityAdvisory            = "advisory"
	AuthorityAIAutonomous        = "ai_autonomous"
	AuthorityEmergencyAutonomous = "emergency_autonomous"
)
