package types

import (
	"time"
)

// EntityKind is the tagged variant for the entity shapes delivered by
// the federation API.
type EntityKind string

const (
	EntityPerson       EntityKind = "Person"
	EntityFunction     EntityKind = "Function"
	EntityOrganization EntityKind = "Organization"
	EntityCompetence   EntityKind = "Competence"
	EntityLicense      EntityKind = "License"
	EntityPayment      EntityKind = "Payment"
)

// Valid reports whether the kind is one of the known entity shapes
func (k EntityKind) Valid() bool {
	switch k {
	case EntityPerson, EntityFunction, EntityOrganization,
		EntityCompetence, EntityLicense, EntityPayment:
		return true
	}
	return false
}

// Resource returns the sink resource the kind is materialised into.
// The /process variants trigger server side enrichment on write.
func (k EntityKind) Resource() string {
	switch k {
	case EntityPerson:
		return "persons/process"
	case EntityFunction:
		return "functions/process"
	case EntityOrganization:
		return "organizations/process"
	case EntityCompetence:
		return "competences/process"
	case EntityLicense:
		return "licenses/process"
	case EntityPayment:
		return "payments/process"
	}
	return ""
}

// Status is the work item lifecycle state. Transitions are restricted
// to ready -> pending -> {finished, error} and error -> pending.
type Status string

const (
	StatusReady    Status = "ready"
	StatusPending  Status = "pending"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status value
func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusPending, StatusFinished, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether the move from s to next is on the
// allowed status DAG.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusReady:
		return next == StatusPending
	case StatusPending:
		return next == StatusFinished || next == StatusError
	case StatusError:
		return next == StatusPending
	}
	return false
}

// SyncType selects which change feed a sync worker polls
type SyncType string

const (
	SyncChanges    SyncType = "changes"
	SyncLicense    SyncType = "license"
	SyncCompetence SyncType = "competence"
	SyncPayments   SyncType = "payments"
	SyncFederation SyncType = "federation"
)

// Valid reports whether t is a known sync type
func (t SyncType) Valid() bool {
	switch t {
	case SyncChanges, SyncLicense, SyncCompetence, SyncPayments, SyncFederation:
		return true
	}
	return false
}

// WorkItem is one change message recorded in the integration/changes
// collection. The underscore prefixed fields are sink metadata; the
// rest is passed through from the source.
type WorkItem struct {
	ID              string     `json:"_id,omitempty"`
	Etag            string     `json:"_etag,omitempty"`
	EntityType      EntityKind `json:"entity_type"`
	EntityID        int        `json:"id"`
	SequenceOrdinal time.Time  `json:"sequence_ordinal"`
	Name            string     `json:"name,omitempty"`
	Modified        *time.Time `json:"modified,omitempty"`
	MergedFrom      []int      `json:"merge_result_of,omitempty"`
	Ordinal         string     `json:"_ordinal,omitempty"`
	Status          Status     `json:"_status,omitempty"`
	TenantID        int        `json:"_org_id,omitempty"`
	Realm           string     `json:"_realm,omitempty"`

	// Issues carries the sink's error payload when Status is error
	Issues map[string]interface{} `json:"_issues,omitempty"`
}

// Club is a tenant: an organisation subscribing to the integration feed
type Club struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	IsActive bool      `json:"is_active"`
	TypeID   int       `json:"type_id"`
}

// IntegrationUser is the per club credential stored in the sink under
// integration/users. Exactly one active user per (club, realm).
type IntegrationUser struct {
	SinkID      string     `json:"_id,omitempty"`
	Etag        string     `json:"_etag,omitempty"`
	ID          int        `json:"id"`
	Username    string     `json:"username"`
	Password    string     `json:"password"`
	AppID       string     `json:"app_id"`
	FunctionID  int        `json:"function_id"`
	ClubID      int        `json:"club_id"`
	ClubName    string     `json:"club_name,omitempty"`
	ClubCreated *time.Time `json:"club_created,omitempty"`
	Modified    *time.Time `json:"modified,omitempty"`
	Realm       string     `json:"_realm"`
	Active      bool       `json:"_active"`
}

// WorkerSnapshot is the per worker state record exposed over the
// control API. Mutated only by the owning worker.
type WorkerSnapshot struct {
	Name          string     `json:"name"`
	TenantID      int        `json:"id"`
	Index         int        `json:"index"`
	Alive         bool       `json:"status"`
	State         string     `json:"state"`
	Mode          string     `json:"mode"`
	Reason        string     `json:"reason"`
	Started       time.Time  `json:"started"`
	UptimeSeconds int        `json:"uptime"`
	Messages      int        `json:"messages"`
	SyncType      SyncType   `json:"sync_type"`
	WindowFrom    *time.Time `json:"window_from"`
	WindowTo      *time.Time `json:"window_to"`
	Misfires      int        `json:"sync_misfires"`
	SyncErrors    int        `json:"sync_errors"`
	NextRunTime   *time.Time `json:"next_run_time"`
}

// FailedTenant identifies a tenant whose worker could not be started
type FailedTenant struct {
	Name     string `json:"name"`
	TenantID int    `json:"club_id"`
}
