package domain

import "time"

// AttackPattern classifies what the detector found in one analysis window.
type AttackPattern string

const (
	PatternCredentialStuffing AttackPattern = "credential_stuffing"
	PatternSubnetAttack       AttackPattern = "subnet_attack"
	PatternIPRotation         AttackPattern = "ip_rotation"
	PatternMixed              AttackPattern = "mixed"
)

// RecommendedAction is the mitigation the detector suggests. The service
// only reports it; operators or an upstream edge apply it (ADR-009 §2).
type RecommendedAction string

const (
	ActionNone           RecommendedAction = "none"
	ActionEnableCaptcha  RecommendedAction = "enable_captcha"
	ActionBlockSubnet    RecommendedAction = "block_subnet"
	ActionAlertAdmins    RecommendedAction = "alert_admins"
	ActionSystemLockdown RecommendedAction = "system_lockdown"
)

// DetectionResult is one detector pass over recent audit events.
// Phones appear masked only.
type DetectionResult struct {
	Detected       bool
	Pattern        AttackPattern
	Confidence     float64 // [0,1]
	SuspiciousIPs  []string
	TargetedPhones []string
	Action         RecommendedAction
	BlockCIDR      string // set when Action is ActionBlockSubnet
	Details        string
	WindowStart    time.Time
	WindowEnd      time.Time
}

// HourBucket is one hour of audit activity within a trend report.
type HourBucket struct {
	Hour  time.Time // truncated to the hour, UTC
	Count int
}

// TrendReport summarizes audit activity over a lookback period,
// ordered oldest hour first.
type TrendReport struct {
	Hours         int
	TotalEvents   int
	UniqueIPs     int
	EventsPerHour float64
	PeakHour      time.Time
	Hourly        []HourBucket
}
