package attendance

import (
	"time"

	"attendguard/internal/fraud"
	"attendguard/internal/geofence"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusEnded     Status = "ENDED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusEnded || s == StatusCancelled }

// Outcome is an attempt verdict.
type Outcome string

const (
	OutcomePresent  Outcome = "PRESENT"
	OutcomeLate     Outcome = "LATE"
	OutcomeAbsent   Outcome = "ABSENT"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeReview   Outcome = "REVIEW"
)

// Attended reports whether the outcome records the student as attending. An
// attended attempt blocks every later attempt in the same session.
func (o Outcome) Attended() bool { return o == OutcomePresent || o == OutcomeLate }

// SecurityPolicy selects which checks a session enforces.
type SecurityPolicy struct {
	RequireLocation      bool `json:"requireLocation"`
	RequirePhoto         bool `json:"requirePhoto"`
	RequireDeviceCheck   bool `json:"requireDeviceCheck"`
	EnableFraudDetection bool `json:"enableFraudDetection"`
	MaxAttempts          int  `json:"maxAttempts"`
	GracePeriodSeconds   int  `json:"gracePeriodSeconds"`
	MinPhotoQuality      int  `json:"minPhotoQuality,omitempty"`
	RequireFace          bool `json:"requireFace,omitempty"`
}

// DefaultPolicy enables every check.
func DefaultPolicy() SecurityPolicy {
	return SecurityPolicy{
		RequireLocation:      true,
		RequirePhoto:         false,
		RequireDeviceCheck:   true,
		EnableFraudDetection: true,
		MaxAttempts:          3,
		GracePeriodSeconds:   600,
	}
}

// GracePeriod is the policy grace as a duration.
func (p SecurityPolicy) GracePeriod() time.Duration {
	return time.Duration(p.GracePeriodSeconds) * time.Second
}

// Session is one scheduled attendance window.
type Session struct {
	ID          string         `json:"id"`
	CourseID    string         `json:"courseId"`
	ProfessorID string         `json:"professorId"`
	StartTime   time.Time      `json:"startTime"`
	EndTime     time.Time      `json:"endTime"`
	Timezone    string         `json:"timezone,omitempty"`
	Geofence    geofence.Fence `json:"geofence"`
	Policy      SecurityPolicy `json:"securityPolicy"`
	Status      Status         `json:"status"`

	// QRToken is only set while ACTIVE.
	QRToken     string     `json:"qrToken,omitempty"`
	PrevQRToken string     `json:"-"`
	QRRotatedAt *time.Time `json:"qrRotatedAt,omitempty"`

	CancelReason string     `json:"cancelReason,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// AcceptingAttempts reports whether students may submit.
func (s Session) AcceptingAttempts() bool { return s.Status == StatusActive }

// Location returns the session timezone, or nil when unset or unknown.
func (s Session) Location() *time.Location {
	if s.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil
	}
	return loc
}

// Attempt is one submission by a student.
type Attempt struct {
	ID                string        `json:"id"`
	SessionID         string        `json:"sessionId"`
	StudentID         string        `json:"studentId"`
	AttemptNumber     int           `json:"attemptNumber"`
	SubmittedAt       time.Time     `json:"submittedAt"`
	ClientTimestamp   time.Time     `json:"clientTimestamp"`
	Location          *geofence.Fix `json:"reportedLocation,omitempty"`
	DistanceMeters    *float64      `json:"distanceMeters,omitempty"`
	DeviceFingerprint string        `json:"deviceFingerprint,omitempty"`
	PhotoRef          string        `json:"photoRef,omitempty"`
	PhotoHash         string        `json:"-"`
	FraudScore        int           `json:"fraudScore"`
	FraudReasons      fraud.Reasons `json:"fraudReasons"`
	Outcome           Outcome       `json:"outcome"`
	FinalizedAt       time.Time     `json:"finalizedAt"`
}

// FraudAlert is raised for every attempt rejected on fraud grounds.
type FraudAlert struct {
	ID         string         `json:"id"`
	AttemptID  string         `json:"attemptId"`
	SessionID  string         `json:"sessionId"`
	StudentID  string         `json:"studentId"`
	Type       fraud.Reason   `json:"type"`
	Severity   fraud.Severity `json:"severity"`
	IsResolved bool           `json:"isResolved"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// LiveStats is the dashboard aggregate. Each student counts once, by their
// attended attempt if any, otherwise by their latest attempt.
type LiveStats struct {
	Total     int `json:"total"`
	Present   int `json:"present"`
	Absent    int `json:"absent"`
	Late      int `json:"late"`
	Reviewing int `json:"reviewing"`
}

// Receipt is what a student is shown. REVIEW never exposes the score.
type Receipt struct {
	AttemptID     string       `json:"attemptId"`
	SessionID     string       `json:"sessionId"`
	AttemptNumber int          `json:"attemptNumber"`
	Outcome       Outcome      `json:"outcome"`
	Reason        fraud.Reason `json:"reason,omitempty"`
	Message       string       `json:"message"`
	SubmittedAt   time.Time    `json:"submittedAt"`
}

// ReceiptFor renders the student-facing view of an attempt.
func ReceiptFor(a Attempt) Receipt {
	r := Receipt{
		AttemptID:     a.ID,
		SessionID:     a.SessionID,
		AttemptNumber: a.AttemptNumber,
		Outcome:       a.Outcome,
		SubmittedAt:   a.SubmittedAt,
	}
	switch a.Outcome {
	case OutcomePresent:
		r.Message = "attendance recorded"
	case OutcomeLate:
		r.Message = "attendance recorded as late"
	case OutcomeReview:
		r.Message = "pending professor review"
	case OutcomeAbsent:
		r.Message = "session ended before the attempt was accepted"
	case OutcomeRejected:
		r.Message = "attempt rejected"
		if d, ok := a.FraudReasons.Dominant(); ok {
			r.Reason = d
			r.Message = "attempt rejected: " + string(d)
		}
	}
	return r
}
