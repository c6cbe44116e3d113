// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import "time"

// RiskLevel is the ordered severity classification for apps and domains.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank returns the ordinal position of the level, SAFE being lowest.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether r is one of the five defined levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskSafe, RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Application is an installed app observed on the network.
type Application struct {
	ID        int64
	Package   string
	Name      string
	IsSystem  bool
	Monitored bool
	RiskLevel RiskLevel
	Rules     AppRules
	FirstSeen time.Time
	LastSeen  time.Time
}

// AppRules are the per-app user rule flags.
type AppRules struct {
	BlockBackground bool
	BlockTrackers   bool
	AllowOnWifi     bool
}

// Domain is a contacted hostname.
type Domain struct {
	ID         int64
	Name       string
	Category   string
	Reputation float64
	Blocked    bool
	Trusted    bool
	RiskLevel  RiskLevel
	FirstSeen  time.Time
	LastSeen   time.Time
}

// Connection is one observed network session, attributed to an app and,
// once DNS pairing resolves it, to a domain.
type Connection struct {
	ID         string // capture-assigned session id, the natural key
	AppID      int64
	DomainID   int64 // 0 when unresolved
	RemoteIP   string
	RemotePort int
	Protocol   string
	StartedAt  time.Time
	BytesSent  int64
	BytesRecv  int64
}

// DNSQuery is one DNS lookup observed on the interface.
type DNSQuery struct {
	ID         string
	Domain     string
	ResolvedIP string
	TTL        time.Duration
	CreatedAt  time.Time
}

// TrafficBucket is a fixed time-bucket byte total for an app.
type TrafficBucket struct {
	AppID       int64
	BucketStart time.Time
	BytesSent   int64
	BytesRecv   int64
}

// SubjectType distinguishes alert and scoring subjects.
type SubjectType string

const (
	SubjectApplication SubjectType = "application"
	SubjectDomain      SubjectType = "domain"
)

// Alert is a risk notification.
type Alert struct {
	ID          string
	SubjectType SubjectType
	SubjectID   int64
	Severity    RiskLevel
	Rule        string
	Message     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Read        bool
	Muted       bool
	ResolvedAt  *time.Time
}

// AlertDraft is the input to create-or-merge.
type AlertDraft struct {
	SubjectType SubjectType
	SubjectID   int64
	Severity    RiskLevel
	Rule        string
	Message     string
}

// ScoringState is the persisted cross-run state for a scoring subject.
type ScoringState struct {
	Level        RiskLevel
	PrevScore    float64
	PendingLevel RiskLevel // candidate downgrade level, empty when none
	PendingRuns  int       // consecutive runs the candidate has held
}

// AppWindowStats is the per-application aggregate the scoring engine reads.
type AppWindowStats struct {
	AppID           int64
	Package         string
	State           ScoringState
	BytesSent       int64
	BytesRecv       int64
	ConnectionCount int64
	DistinctDomains int64
	NewDomains      int64
	Ports           []int
	MinReputation   float64 // lowest reputation among contacted domains; 1.0 if none
}

// DomainWindowStats is the per-domain aggregate the scoring engine reads.
type DomainWindowStats struct {
	DomainID     int64
	Name         string
	State        ScoringState
	Reputation   float64
	Blocked      bool
	Trusted      bool
	TotalBytes   int64
	DistinctApps int64
}

// EntityRisk is one subject's result inside a snapshot payload.
type EntityRisk struct {
	SubjectType SubjectType `json:"subject_type"`
	SubjectID   int64       `json:"subject_id"`
	Label       string      `json:"label"`
	Level       RiskLevel   `json:"level"`
	Score       float64     `json:"score"`
	Signals     []Signal    `json:"signals,omitempty"`
}

// Signal records one contributing scoring signal.
type Signal struct {
	ID     string  `json:"id"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// SnapshotPayload is the versioned per-entity risk payload of a snapshot.
type SnapshotPayload struct {
	Version  int          `json:"version"`
	Entities []EntityRisk `json:"entities"`
}

// Snapshot is a point-in-time summary of overall risk, one per scoring run.
type Snapshot struct {
	ID             string
	CreatedAt      time.Time
	AggregateScore float64
	Payload        SnapshotPayload
}

// AppScoreCommit applies one application's scoring result as a single unit.
type AppScoreCommit struct {
	AppID int64
	State ScoringState
	Alert *AlertDraft // nil when no alert is due
}

// DomainScoreCommit applies one domain's scoring result as a single unit.
type DomainScoreCommit struct {
	DomainID   int64
	Reputation float64
	State      ScoringState
	Alert      *AlertDraft
}
