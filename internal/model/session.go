// Package model contains the persistent entity types shared across packages.
package model

import (
	"time"
)

// SessionStatus describes the lifecycle of one upload session.
type SessionStatus string

const (
	SessionUploading      SessionStatus = "UPLOADING"
	SessionProcessing     SessionStatus = "PROCESSING"
	SessionPostProcessing SessionStatus = "POST_PROCESSING"
	SessionCompleted      SessionStatus = "COMPLETED"
	SessionFailed         SessionStatus = "FAILED"
	SessionExpired        SessionStatus = "EXPIRED"
	SessionCancelled      SessionStatus = "CANCELLED"
)

// sessionTransitions is the closed transition table. Status only moves
// forward; EXPIRED and CANCELLED absorb from any state.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionUploading:      {SessionProcessing, SessionFailed, SessionExpired, SessionCancelled},
	SessionProcessing:     {SessionPostProcessing, SessionFailed, SessionExpired, SessionCancelled},
	SessionPostProcessing: {SessionCompleted, SessionFailed, SessionExpired, SessionCancelled},
	SessionCompleted:      {SessionExpired},
	SessionFailed:         {SessionExpired},
	SessionCancelled:      {SessionExpired},
	SessionExpired:        {},
}

// CanTransition reports whether moving from s to next is legal.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transition occurs. EXPIRED
// sessions are still reaped physically, but never change status again.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionExpired || s == SessionCancelled
}

// Session represents one upload event and its aggregate progress.
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	ModelID        string        `json:"modelId"`
	Status         SessionStatus `json:"status"`
	TotalFiles     int           `json:"totalFiles"`
	TotalPages     int           `json:"totalPages"`
	ProcessedPages int           `json:"processedPages"`
	BundleKey      *string       `json:"-"`
	ReportKey      *string       `json:"-"`
	ErrorMessage   *string       `json:"errorMessage,omitempty"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}
